package events

import (
	"context"
	"sync"

	"github.com/lsm/usersync/internal/bus"
)

// UserModifiedProducer publishes UserModified keyed by user id, so all
// changes to one user land on one partition in order.
type UserModifiedProducer struct {
	*bus.Publisher[UserModified]
}

func NewUserModifiedProducer(producers bus.ProducerSource, opts ...bus.Option) *UserModifiedProducer {
	return &UserModifiedProducer{
		Publisher: bus.NewPublisher(TopicUserModified, producers, keyByID, opts...),
	}
}

func keyByID(e UserModified) []byte {
	return []byte(e.ID)
}

// RecordingProducer keeps published events in memory.
type RecordingProducer struct {
	mu     sync.Mutex
	events []UserModified
	// Err, when set, is returned from Publish and nothing is recorded.
	Err error
}

func (r *RecordingProducer) Topic() string { return TopicUserModified }

func (r *RecordingProducer) Publish(_ context.Context, e UserModified) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *RecordingProducer) Events() []UserModified {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UserModified(nil), r.events...)
}

var (
	_ bus.Producer[UserModified] = (*UserModifiedProducer)(nil)
	_ bus.Producer[UserModified] = (*RecordingProducer)(nil)
)
