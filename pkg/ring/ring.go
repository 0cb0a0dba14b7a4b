// Package ring implements the consistent-hash ring the quorum coordinator
// routes rendezvous keys over. A Ring is immutable: membership churn
// builds a new one and swaps it atomically, so an operation keeps the
// snapshot it started with and is never re-routed mid-flight.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"sort"

	"fedmesh/pkg/types"
)

// Member is one physical server on the ring.
type Member struct {
	ServerID types.ServerID
	Endpoint string
}

type point struct {
	hash  uint32
	owner int // index into members
}

// Ring is an immutable consistent-hash ring.
type Ring struct {
	members []Member
	points  []point
	virtual int
}

// Build constructs a ring from the given servers, each contributing
// virtualNodes positions hashed from (serverID, vnodeIndex).
func Build(servers []types.KnownServer, virtualNodes int) *Ring {
	if virtualNodes < 1 {
		virtualNodes = 1
	}
	r := &Ring{virtual: virtualNodes}
	for _, s := range servers {
		r.members = append(r.members, Member{ServerID: s.ServerID, Endpoint: s.Endpoint})
	}
	sort.Slice(r.members, func(i, j int) bool { return r.members[i].ServerID < r.members[j].ServerID })

	r.points = make([]point, 0, len(r.members)*virtualNodes)
	for i, m := range r.members {
		for v := 0; v < virtualNodes; v++ {
			r.points = append(r.points, point{hash: pointHash(m.ServerID, v), owner: i})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Size returns the number of physical members.
func (r *Ring) Size() int {
	return len(r.members)
}

// ReplicaSet returns the first n distinct physical members clockwise from
// the key's position. Fewer than n members yields the whole ring.
func (r *Ring) ReplicaSet(key string, n int) []Member {
	if len(r.points) == 0 || n < 1 {
		return nil
	}
	h := keyHash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[int]struct{}, n)
	out := make([]Member, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		if _, ok := seen[p.owner]; ok {
			continue
		}
		seen[p.owner] = struct{}{}
		out = append(out, r.members[p.owner])
	}
	return out
}

// Owner returns the single member responsible for key.
func (r *Ring) Owner(key string) (Member, bool) {
	set := r.ReplicaSet(key, 1)
	if len(set) == 0 {
		return Member{}, false
	}
	return set[0], true
}

func pointHash(id types.ServerID, vnode int) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(vnode))
	h := fnv.New32a()
	h.Write([]byte(id))
	h.Write(buf[:])
	return h.Sum32()
}

func keyHash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
