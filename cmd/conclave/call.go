package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/auth"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/peer"
)

// CallCmd sends a single message to a running node and prints the task
// stream, for smoke tests and scripted checks.
type CallCmd struct {
	URL  string `arg:"" help:"Node base URL (e.g. http://localhost:8080)."`
	Text string `arg:"" help:"Message text to send."`

	Skill       string        `help:"Route to a specific skill on the receiving node."`
	TaskID      string        `name:"task-id" help:"Continue an existing task (e.g. answer an input request)."`
	Token       string        `help:"Bearer token for the receiving node."`
	NoStream    bool          `name:"no-stream" help:"Use message/send and print only the final task."`
	Interactive bool          `short:"i" help:"Prompt on stdin when the task asks for input."`
	Timeout     time.Duration `help:"Overall call timeout." default:"2m"`
}

func (c *CallCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	client, err := c.buildClient()
	if err != nil {
		return err
	}

	text, taskID := c.Text, c.TaskID
	for {
		params := c.buildParams(text, taskID)

		var interrupted *a2a.Task
		if c.NoStream {
			task, err := client.Send(ctx, c.URL, params)
			if err != nil {
				return err
			}
			printTask(task)
			if task.Status.State.IsInterrupted() {
				interrupted = task
			}
		} else {
			task, err := c.streamRound(ctx, client, params)
			if err != nil {
				return err
			}
			interrupted = task
		}

		if interrupted == nil || !c.Interactive {
			return nil
		}
		reply, err := promptForInput()
		if err != nil {
			return err
		}
		if reply == "" {
			return nil
		}
		text, taskID = reply, interrupted.ID
	}
}

// streamRound runs one message/stream exchange to completion. It returns the
// task when the stream ends in an interrupted state so the caller can follow
// up, and nil otherwise.
func (c *CallCmd) streamRound(ctx context.Context, client *peer.Client, params *a2a.MessageSendParams) (*a2a.Task, error) {
	var taskID string
	var last a2a.TaskState

	events, errs := client.Stream(ctx, c.URL, params)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if last.IsInterrupted() && taskID != "" {
					return &a2a.Task{ID: taskID}, nil
				}
				return nil, nil
			}
			printEvent(ev)
			switch e := ev.(type) {
			case *a2a.TaskSnapshotEvent:
				taskID, last = e.ID, e.Status.State
			case *a2a.TaskStatusUpdateEvent:
				taskID, last = e.TaskID, e.Status.State
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return nil, err
			}
			errs = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *CallCmd) buildParams(text, taskID string) *a2a.MessageSendParams {
	msg := a2a.NewUserMessage(text)
	msg.TaskID = taskID
	if c.Skill != "" {
		msg.Metadata = map[string]any{"skill": c.Skill}
	}
	return &a2a.MessageSendParams{Message: msg}
}

// promptForInput reads one reply line from stdin. An empty line or a
// non-terminal stdin ends the session without sending anything.
func promptForInput() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("  (stdin is not a terminal; answer with --task-id instead)")
		return "", nil
	}
	fmt.Print("> ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *CallCmd) buildClient() (*peer.Client, error) {
	opts := peer.Options{Logger: slog.Default()}
	if c.Token != "" {
		cred, err := auth.NewCredentials(&config.CredentialsConfig{Type: "bearer", Token: c.Token})
		if err != nil {
			return nil, err
		}
		opts.Credentials = map[string]*auth.Credentials{c.URL: cred}
	}
	return peer.NewClient(opts), nil
}

func printEvent(ev a2a.Event) {
	switch e := ev.(type) {
	case *a2a.TaskSnapshotEvent:
		fmt.Printf("[task %s] %s\n", e.ID, e.Status.State)
	case *a2a.Message:
		fmt.Printf("  %s\n", a2a.ExtractAllText(e))
	case *a2a.TaskStatusUpdateEvent:
		line := fmt.Sprintf("[task %s] %s", e.TaskID, e.Status.State)
		if e.Status.Message != nil {
			line += ": " + a2a.ExtractAllText(e.Status.Message)
		}
		fmt.Println(line)
	case *a2a.TaskArtifactUpdateEvent:
		fmt.Printf("  artifact %s (%d parts)\n", e.Artifact.ArtifactID, len(e.Artifact.Parts))
	}
}

func printTask(t *a2a.Task) {
	fmt.Printf("[task %s] %s\n", t.ID, t.Status.State)
	if last := a2a.LastMessageByRole(t, a2a.MessageRoleAgent); last != nil {
		fmt.Printf("  %s\n", a2a.ExtractAllText(last))
	}
	if t.Status.Message != nil && t.Status.State.IsInterrupted() {
		fmt.Printf("  input needed: %s\n", a2a.ExtractAllText(t.Status.Message))
		fmt.Printf("  answer with: conclave call %s \"...\" --task-id %s\n", "<url>", t.ID)
	}
}
