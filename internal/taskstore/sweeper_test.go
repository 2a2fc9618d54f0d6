package taskstore_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/taskstore"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := taskstore.NewSweeper(taskstore.SweeperConfig{
		Store:    newStore(t),
		Schedule: "not a schedule",
	})
	if err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestSweeperClosesIdleConversations(t *testing.T) {
	s := newStore(t)
	task := s.Create(context.Background(), taskstore.CreateParams{
		From: "a", To: "alpha", Content: "work",
	})

	notified := make(chan *persistence.Task, 1)
	sweeper, err := taskstore.NewSweeper(taskstore.SweeperConfig{
		Store:    s,
		Logger:   slog.New(slog.DiscardHandler),
		Schedule: "@every 10ms",
		IdleFor:  time.Millisecond, // idle by the first tick
		Notify:   func(last *persistence.Task) { notified <- last },
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	sweeper.Start(context.Background())
	defer sweeper.Stop()

	select {
	case last := <-notified:
		if last.TaskID != task.TaskID {
			t.Fatalf("notified with %s, want %s", last.TaskID, task.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never fired")
	}
	if !s.IsClosed(task.ConversationID) {
		t.Fatal("conversation not closed")
	}
}
