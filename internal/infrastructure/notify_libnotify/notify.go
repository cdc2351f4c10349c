package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const appName = "buildcast"

// Notifier shells out to notify-send. A soft notifier swallows failures,
// for hosts without a notification daemon.
type Notifier struct {
	soft bool
	opt  Options
	run  func(ctx context.Context, args []string) error
}

func New() *Notifier     { return &Notifier{run: notifySend} }
func NewSoft() *Notifier { return &Notifier{soft: true, run: notifySend} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

// WithOptions returns a copy of n that passes opt on every notification.
func (n *Notifier) WithOptions(opt Options) *Notifier {
	c := *n
	c.opt = opt
	return &c
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	if err := n.run(ctx, n.args(title, body)); err != nil && !n.soft {
		return err
	}
	return nil
}

func (n *Notifier) args(title, body string) []string {
	args := []string{"--app-name=" + appName}
	if n.opt.Urgency != "" {
		args = append(args, "--urgency="+n.opt.Urgency)
	}
	if n.opt.Expire > 0 {
		args = append(args, "--expire-time="+strconv.Itoa(int(n.opt.Expire/time.Millisecond)))
	}
	return append(args, title, body)
}

func notifySend(ctx context.Context, args []string) error {
	return exec.CommandContext(ctx, "notify-send", args...).Run()
}
