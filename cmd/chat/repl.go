package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/suPer8Hu/streamchat/internal/client"
	"github.com/suPer8Hu/streamchat/internal/conversation"
	"github.com/suPer8Hu/streamchat/internal/protocol"
)

// printingStreamer echoes deltas to out as they arrive.
type printingStreamer struct {
	inner conversation.Streamer
	out   io.Writer

	mu sync.Mutex
}

func (p *printingStreamer) StartStream(ctx context.Context, req protocol.ChatRequest, hs client.Handlers) conversation.Aborter {
	reasoning := protocol.IsReasoningModel(req.Model)
	started := false
	onDelta := hs.OnDelta
	hs.OnDelta = func(e protocol.DeltaEvent) {
		p.mu.Lock()
		if !started {
			fmt.Fprint(p.out, assistantPrompt)
			started = true
		}
		if reasoning && e.Reasoning != "" {
			fmt.Fprint(p.out, reasoningStyle.Render(e.Reasoning))
		}
		fmt.Fprint(p.out, e.Content)
		p.mu.Unlock()
		if onDelta != nil {
			onDelta(e)
		}
	}
	return p.inner.StartStream(ctx, req, hs)
}

const replHelp = `/new              start a new session
/sessions         list sessions
/use <id>         switch session
/rm <id>          delete a session
/model <name>     switch model
/file <path>      attach a text file to the next message
/image <url>      attach an image to the next message
/exit             quit
Ctrl+C while an answer streams stops it.`

func (c *chatCommander) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	m := c.machine(out)
	if err := m.Initialize(ctx, false); err != nil {
		return err
	}
	if m.Snapshot().ActiveSessionID == "" {
		if err := m.CreateSession(ctx); err != nil {
			return err
		}
	}

	st := m.Snapshot()
	fmt.Fprintf(out, "session %s  model %s\n/help for commands, /exit or Ctrl+D to quit.\n\n", st.ActiveSessionID, st.Model)
	for _, msg := range st.Messages {
		printMessage(out, msg)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, userPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := c.command(ctx, m, out, line)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				m.ClearError()
			}
			if done {
				return nil
			}
			continue
		}

		m.SetComposer(line)
		tctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := c.turn(tctx, m, out)
		stop()
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			m.ClearError()
		}
	}
}

func (c *chatCommander) command(ctx context.Context, m *conversation.Machine, out io.Writer, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, replHelp)
	case "/new":
		if err := m.CreateSession(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "session %s\n", m.Snapshot().ActiveSessionID)
	case "/sessions":
		if err := m.RefreshSessions(ctx, false, false); err != nil {
			return false, err
		}
		st := m.Snapshot()
		for _, s := range st.Sessions {
			mark := " "
			if s.ID == st.ActiveSessionID {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s  %s\n", mark, s.ID, s.Title)
		}
	case "/use":
		if err := m.SelectSession(ctx, arg); err != nil {
			return false, err
		}
		for _, msg := range m.Snapshot().Messages {
			printMessage(out, msg)
		}
	case "/rm":
		if err := m.RemoveSession(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "active session %s\n", m.Snapshot().ActiveSessionID)
	case "/model":
		if _, ok := protocol.LookupModel(arg); !ok {
			fmt.Fprintf(out, "note: %q is not in the catalog\n", arg)
		}
		m.SetModel(arg)
	case "/file":
		att, err := fileAttachment(arg)
		if err != nil {
			return false, err
		}
		if err := m.AddAttachment(att); err != nil {
			return false, err
		}
	case "/image":
		if err := m.AddAttachment(imageAttachment(arg)); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func fileAttachment(path string) (protocol.Attachment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return protocol.Attachment{}, err
	}
	typ := mime.TypeByExtension(filepath.Ext(path))
	if typ == "" {
		typ = "text/plain"
	}
	if strings.HasPrefix(typ, "image/") {
		return protocol.Attachment{}, fmt.Errorf("%s: attach images with /image <url>", path)
	}
	return protocol.Attachment{
		Name:        filepath.Base(path),
		Type:        typ,
		Size:        int64(len(b)),
		TextContent: string(b),
	}, nil
}

func imageAttachment(url string) protocol.Attachment {
	name := filepath.Base(url)
	typ := mime.TypeByExtension(filepath.Ext(name))
	if !strings.HasPrefix(typ, "image/") {
		typ = "image/png"
	}
	return protocol.Attachment{Name: name, Type: typ, URL: url}
}
