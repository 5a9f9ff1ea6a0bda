package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kendra/internal/notify"
	kendrasdk "kendra/sdk/go"
)

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Publish(msgs ...notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
}

func (r *recorder) all() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type memJournal struct {
	mu      sync.Mutex
	entries []string
}

func (j *memJournal) Append(_ context.Context, kind, entityID, state, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, kind+"/"+entityID+"/"+state+"/"+message)
	return nil
}

func TestDuplicateRunIsRejectedWithoutInvokingWork(t *testing.T) {
	rec := &recorder{}
	o := New(rec, nil, nil)
	key := Key{EntityID: "repo-1", Kind: KindAnalyze}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- o.Run(context.Background(), Operation{Key: key, Work: func(context.Context) ([]notify.Message, error) {
			close(started)
			<-release
			return []notify.Message{notify.Success("A done")}, nil
		}})
	}()
	<-started
	assert.Equal(t, StateRunning, o.State(key))
	assert.Equal(t, []Key{key}, o.Running())

	invokedB := false
	err := o.Run(context.Background(), Operation{Key: key, Work: func(context.Context) ([]notify.Message, error) {
		invokedB = true
		return nil, nil
	}})
	require.ErrorIs(t, err, ErrOperationInProgress)
	assert.False(t, invokedB)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not settle")
	}
	assert.Equal(t, StateIdle, o.State(key))
	assert.Equal(t, []notify.Message{notify.Success("A done")}, rec.all())
}

func TestGuardReleasedAfterFailure(t *testing.T) {
	rec := &recorder{}
	j := &memJournal{}
	o := New(rec, j, nil)
	key := Key{EntityID: "issue-7", Kind: KindFix}

	err := o.Run(context.Background(), Operation{Key: key, Fallback: "Failed to create fix", Work: func(context.Context) ([]notify.Message, error) {
		return nil, &kendrasdk.APIError{StatusCode: 500, Message: "AI service unavailable"}
	}})
	var apiErr *kendrasdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, StateIdle, o.State(key))

	ran := false
	err = o.Run(context.Background(), Operation{Key: key, Work: func(context.Context) ([]notify.Message, error) {
		ran = true
		return []notify.Message{notify.Success("Fix created! PR #3 is ready for review")}, nil
	}})
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Equal(t, []notify.Message{
		notify.Error("AI service unavailable"),
		notify.Success("Fix created! PR #3 is ready for review"),
	}, rec.all())
	assert.Equal(t, []string{
		"fix/issue-7/failed/AI service unavailable",
		"fix/issue-7/succeeded/Fix created! PR #3 is ready for review",
	}, j.entries)
}

func TestGuardReleasedAfterPanic(t *testing.T) {
	o := New(nil, nil, nil)
	key := Key{EntityID: AllRepos, Kind: KindSync}
	func() {
		defer func() { _ = recover() }()
		_ = o.Run(context.Background(), Operation{Key: key, Work: func(context.Context) ([]notify.Message, error) {
			panic("boom")
		}})
	}()
	assert.Equal(t, StateIdle, o.State(key))
	assert.Empty(t, o.Running())
}

func TestFailureEmitsExactlyOneError(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		want string
	}{
		{
			name: "fallback for empty error",
			op: Operation{Fallback: "Failed to sync repositories", Work: func(context.Context) ([]notify.Message, error) {
				return nil, &kendrasdk.APIError{StatusCode: 500}
			}},
			want: "Failed to sync repositories",
		},
		{
			name: "session expired",
			op: Operation{Fallback: "x", Work: func(context.Context) ([]notify.Message, error) {
				return nil, kendrasdk.ErrSessionExpired
			}},
			want: "Session expired. Please login again.",
		},
		{
			name: "custom mapping",
			op: Operation{
				Fallback:     "x",
				ErrorMessage: func(error) string { return "GitHub connection lost. Please reconnect." },
				Work: func(context.Context) ([]notify.Message, error) {
					return nil, errors.New("github token expired")
				},
			},
			want: "GitHub connection lost. Please reconnect.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			o := New(rec, nil, nil)
			tc.op.Key = Key{EntityID: AllRepos, Kind: KindSync}
			require.Error(t, o.Run(context.Background(), tc.op))
			assert.Equal(t, []notify.Message{notify.Error(tc.want)}, rec.all())
		})
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	o := New(nil, nil, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"repo-1", "repo-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = o.Run(context.Background(), Operation{Key: Key{EntityID: id, Kind: KindAnalyze}, Work: func(context.Context) ([]notify.Message, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			}})
		}(id)
	}
	<-started
	<-started
	assert.Len(t, o.Running(), 2)
	close(release)
	wg.Wait()
	assert.Empty(t, o.Running())
}

func TestExclusiveSharesTheGuardSilently(t *testing.T) {
	rec := &recorder{}
	j := &memJournal{}
	o := New(rec, j, nil)
	key := Key{EntityID: AllPRs, Kind: KindPRSync}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- o.Exclusive(key, func() error {
			close(started)
			<-release
			return errors.New("backend down")
		})
	}()
	<-started
	assert.Equal(t, StateRunning, o.State(key))

	invoked := false
	err := o.Run(context.Background(), Operation{Key: key, Work: func(context.Context) ([]notify.Message, error) {
		invoked = true
		return nil, nil
	}})
	require.ErrorIs(t, err, ErrOperationInProgress)
	assert.False(t, invoked)
	require.ErrorIs(t, o.Exclusive(key, func() error { invoked = true; return nil }), ErrOperationInProgress)
	assert.False(t, invoked)

	close(release)
	require.EqualError(t, <-done, "backend down")
	assert.Equal(t, StateIdle, o.State(key))
	assert.Empty(t, rec.all())
	assert.Empty(t, j.entries)
}
