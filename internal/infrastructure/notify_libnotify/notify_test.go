package notify_libnotify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNotify_AppendsURLAndOptions(t *testing.T) {
	var got []string
	n := New().WithOptions(Options{Urgency: "critical", Expire: 5 * time.Second})
	n.run = func(_ context.Context, args []string) error {
		got = args
		return nil
	}

	if err := n.Notify(context.Background(), "title", "body", "https://example.com/c/1"); err != nil {
		t.Fatal(err)
	}

	want := []string{"--app-name=buildcast", "--urgency=critical", "--expire-time=5000", "title", "body\nhttps://example.com/c/1"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q", got)
	}
}

func TestNotify_SoftSwallowsFailure(t *testing.T) {
	fail := func(context.Context, []string) error { return errors.New("no daemon") }

	hard := New()
	hard.run = fail
	if err := hard.Notify(context.Background(), "t", "", ""); err == nil {
		t.Error("expected error from hard notifier")
	}

	soft := NewSoft()
	soft.run = fail
	if err := soft.Notify(context.Background(), "t", "", ""); err != nil {
		t.Errorf("soft notifier returned %v", err)
	}
}
