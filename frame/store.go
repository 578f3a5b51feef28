package frame

import (
	"sync/atomic"
	"time"
)

// Store holds the newest published frame. Publish and Peek swap a single
// pointer, so readers never see a frame that mixes two payloads.
//
// One producer publishes; any number of readers may Peek concurrently.
type Store struct {
	current atomic.Pointer[Frame]
	seq     atomic.Uint64
	cleared atomic.Uint64
}

// StoreStats holds store statistics
type StoreStats struct {
	Published uint64
	Cleared   uint64
	HasFrame  bool
	LastSize  int
	LastAt    time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the held frame. The stored copy carries the next sequence number.
func (s *Store) Publish(f *Frame) {
	if f == nil {
		return
	}

	stored := *f
	stored.Seq = s.seq.Add(1)
	s.current.Store(&stored)
}

// Peek returns the held frame or nil without removing it
func (s *Store) Peek() *Frame {
	return s.current.Load()
}

// Latest returns the newest frame bytes, or nil when no frame is held
func (s *Store) Latest() []byte {
	if f := s.current.Load(); f != nil {
		return f.Data
	}
	return nil
}

// Clear drops the held frame
func (s *Store) Clear() {
	if s.current.Swap(nil) != nil {
		s.cleared.Add(1)
	}
}

// Seq returns the sequence number of the last publish
func (s *Store) Seq() uint64 {
	return s.seq.Load()
}

// Stats returns store statistics
func (s *Store) Stats() StoreStats {
	stats := StoreStats{
		Published: s.seq.Load(),
		Cleared:   s.cleared.Load(),
	}

	if f := s.current.Load(); f != nil {
		stats.HasFrame = true
		stats.LastSize = f.Len()
		stats.LastAt = f.ReceivedAt
	}

	return stats
}
