package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/convstream/internal/conversation"
	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/protocol"
	"github.com/harunnryd/convstream/internal/rest"

	"charm.land/lipgloss/v2"
	"github.com/google/shlex"
)

var errExit = errors.New("exit")

type REPLConfig struct {
	ConversationID string
	Session        conversation.SessionOptions
	ReadyTimeout   time.Duration
}

// REPL drives one conversation from a line-oriented terminal. Plain lines are
// sent as user messages; lines starting with "/" are commands.
type REPL struct {
	ctx    context.Context
	client *conversation.Client
	rest   *rest.Client
	cfg    REPLConfig
	lines  <-chan string
	out    io.Writer
	outMu  sync.Mutex

	mu          sync.Mutex
	session     *conversation.Session
	watched     map[*conversation.Exchange]bool
	interrupts  map[string]*conversation.Interrupt
	attachments []rest.Attachment
	turn        chan struct{}
}

// NewREPL reads commands from in. restClient may be nil when offline.
func NewREPL(ctx context.Context, client *conversation.Client, restClient *rest.Client, cfg REPLConfig, in io.Reader, out io.Writer) *REPL {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 20 * time.Second
	}
	return &REPL{
		ctx:        ctx,
		client:     client,
		rest:       restClient,
		cfg:        cfg,
		lines:      scanLines(ctx, in),
		out:        out,
		watched:    make(map[*conversation.Exchange]bool),
		interrupts: make(map[string]*conversation.Interrupt),
		turn:       make(chan struct{}, 1),
	}
}

func scanLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func (r *REPL) Run() error {
	if err := r.openSession(); err != nil {
		return err
	}
	r.println(styleDim.Render("Type a message, /help for commands, /exit to quit."))

	for {
		r.printf("%s ", styleRole.Render("you>"))
		var line string
		select {
		case <-r.ctx.Done():
			return nil
		case l, ok := <-r.lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if err := r.handleLine(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			r.println(styleError.Render(err.Error()))
		}
	}
}

func (r *REPL) handleLine(line string) error {
	if !strings.HasPrefix(line, "/") {
		return r.sendMessage(line)
	}

	parts, err := shlex.Split(line)
	if err != nil {
		parts = strings.Fields(line)
	}
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/approve":
		return r.resolve(args, true)
	case "/deny":
		return r.resolve(args, false)
	case "/feedback":
		return r.feedback(args)
	case "/attach":
		return r.attach(args)
	case "/end":
		return r.restartSession()
	case "/exit", "/quit":
		return errExit
	case "/help":
		r.println(helpText)
		return nil
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

const helpText = `Commands:
  /approve [interruptId]               approve a pending confirmation
  /deny [interruptId]                  deny a pending confirmation
  /feedback <exchangeId> up|down [..]  rate an exchange
  /attach <path>                       upload a file for the next message
  /end                                 end this session and open a new one
  /exit                                quit`

func (r *REPL) openSession() error {
	s, err := r.client.StartSession(r.ctx, r.cfg.ConversationID, r.cfg.Session)
	if err != nil {
		return err
	}
	s.OnLabelUpdated(func(label string) {
		r.println(styleDim.Render("label: " + label))
	})
	s.OnExchangeStart(r.watchExchange)
	s.OnErrorStart(func(p protocol.ErrorPayload) {
		r.println(styleError.Render("session error: " + p.Error()))
	})
	s.OnSessionEnd(func(*conversation.Session) { r.signal() })

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ReadyTimeout)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		return fmt.Errorf("session for %s not ready: %w", r.cfg.ConversationID, err)
	}

	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
	r.println(styleSuccess.Render("Session ready") + styleDim.Render(" ("+s.ID()+")"))
	return nil
}

func (r *REPL) restartSession() error {
	if s := r.current(); s != nil {
		if err := s.SendSessionEnd(r.ctx); err != nil {
			return err
		}
		r.println(styleDim.Render("Session ended."))
	}
	r.mu.Lock()
	r.interrupts = make(map[string]*conversation.Interrupt)
	r.mu.Unlock()
	return r.openSession()
}

func (r *REPL) current() *conversation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *REPL) sendMessage(text string) error {
	s := r.current()
	if s == nil || s.Ended() {
		r.println(styleWarning.Render("Session ended, opening a new one."))
		if err := r.openSession(); err != nil {
			return err
		}
		s = r.current()
	}

	r.drainTurn()
	ex, err := s.StartExchange(r.ctx, conversation.ExchangeOptions{})
	if err != nil {
		return err
	}
	r.watchExchange(ex)

	m, err := ex.StartMessage(r.ctx, conversation.MessageOptions{Role: protocol.RoleUser})
	if err != nil {
		return err
	}
	for _, a := range r.takeAttachments() {
		p, err := m.StartContentPart(r.ctx, conversation.ContentPartOptions{MimeType: a.MimeType, ExternalValue: a.ExternalValue()})
		if err != nil {
			return err
		}
		if err := p.SendContentPartEnd(r.ctx); err != nil {
			return err
		}
	}
	if _, err := m.SendContentPart(r.ctx, conversation.ContentPartData{Data: text}); err != nil {
		return err
	}
	if err := m.SendMessageEnd(r.ctx); err != nil {
		return err
	}
	r.waitTurn(s)
	return nil
}

func (r *REPL) resolve(args []string, approved bool) error {
	ir, err := r.pickInterrupt(args)
	if err != nil {
		return err
	}

	r.drainTurn()
	if err := ir.Resolve(r.ctx, approved); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.interrupts, ir.ID())
	r.mu.Unlock()

	if approved {
		r.println(styleSuccess.Render("Approved " + ir.ID()))
	} else {
		r.println(styleWarning.Render("Denied " + ir.ID()))
	}
	r.waitTurn(r.current())
	return nil
}

// pickInterrupt resolves the id argument, or the only pending interrupt when
// no id is given.
func (r *REPL) pickInterrupt(args []string) (*conversation.Interrupt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(args) > 0 {
		ir, ok := r.interrupts[args[0]]
		if !ok {
			return nil, fmt.Errorf("no pending interrupt %s: %w", args[0], convErrors.ErrNotFound)
		}
		return ir, nil
	}

	switch len(r.interrupts) {
	case 0:
		return nil, fmt.Errorf("no pending interrupts")
	case 1:
		for _, ir := range r.interrupts {
			return ir, nil
		}
	}
	ids := make([]string, 0, len(r.interrupts))
	for id := range r.interrupts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return nil, fmt.Errorf("several interrupts pending, name one of: %s", strings.Join(ids, ", "))
}

func (r *REPL) feedback(args []string) error {
	if r.rest == nil {
		return fmt.Errorf("feedback is unavailable offline")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: /feedback <exchangeId> up|down [comment]")
	}
	rating, err := rest.ParseRating(args[1])
	if err != nil {
		return err
	}
	fb := rest.Feedback{ExchangeID: args[0], Rating: rating, Comment: strings.Join(args[2:], " ")}
	if err := r.rest.SubmitFeedback(r.ctx, fb); err != nil {
		return err
	}
	r.println(styleSuccess.Render("Feedback sent."))
	return nil
}

func (r *REPL) attach(args []string) error {
	if r.rest == nil {
		return fmt.Errorf("attachments are unavailable offline")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: /attach <path>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	a, err := r.rest.UploadAttachment(r.ctx, r.cfg.ConversationID, filepath.Base(args[0]), data, "")
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.attachments = append(r.attachments, a)
	r.mu.Unlock()
	r.println(styleSuccess.Render("Attached "+a.Name) + styleDim.Render(" ("+a.MimeType+"), sent with your next message"))
	return nil
}

func (r *REPL) takeAttachments() []rest.Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.attachments
	r.attachments = nil
	return out
}

// watchExchange subscribes to an exchange once, whether it was started here
// or announced by the server.
func (r *REPL) watchExchange(ex *conversation.Exchange) {
	r.mu.Lock()
	if r.watched[ex] {
		r.mu.Unlock()
		return
	}
	r.watched[ex] = true
	r.mu.Unlock()

	ex.OnMessageStart(r.watchMessage, protocol.RoleAssistant, protocol.RoleSystem)
	ex.OnErrorStart(func(p protocol.ErrorPayload) {
		r.println(styleError.Render("exchange error: " + p.Error()))
		r.signal()
	})
	ex.OnExchangeEnd(func(ex *conversation.Exchange) {
		r.mu.Lock()
		delete(r.watched, ex)
		r.mu.Unlock()
		r.println(styleDim.Render(fmt.Sprintf("exchange %s, rate it with /feedback %s up|down", ex.ID(), ex.ID())))
		r.signal()
	})
}

func (r *REPL) watchMessage(m *conversation.Message) {
	r.printf("%s ", styleRole.Render(string(m.Role())+">"))

	m.OnContentPartStart(func(p *conversation.ContentPart) {
		if ev := p.ExternalValue(); ev != nil {
			r.printf("%s", styleDim.Render("[attachment "+ev.Name+"]"))
		} else if inline := p.Text(); inline != "" {
			r.printf("%s", inline)
		}
		p.OnChunk(func(c conversation.Chunk) { r.printf("%s", c.Data) })
		p.OnCompleted(func(p *conversation.ContentPart) { r.printSources(p.Sources()) })
	})

	m.OnToolCallStart(func(tc *conversation.ToolCall) {
		r.println("\n" + styleToolName.Render("tool "+tc.ToolName()) + " " + styleDim.Render(string(tc.Input())))
		tc.OnToolCallEnd(func(tc *conversation.ToolCall) {
			status := styleSuccess.Render("done")
			if tc.IsError() {
				status = styleError.Render("failed")
			}
			r.println(styleToolName.Render("tool "+tc.ToolName()) + " " + status + " " + styleDim.Render(string(tc.Output())))
		})
	})

	m.OnInterruptStart(func(ir *conversation.Interrupt) {
		r.mu.Lock()
		r.interrupts[ir.ID()] = ir
		r.mu.Unlock()
		ir.OnInterruptEnd(func(ir *conversation.Interrupt) {
			r.mu.Lock()
			delete(r.interrupts, ir.ID())
			r.mu.Unlock()
		})
		r.printInterrupt(ir)
		r.signal()
	})

	m.OnMessageEnd(func(*conversation.Message) { r.printf("\n") })
}

func (r *REPL) printInterrupt(ir *conversation.Interrupt) {
	what := string(ir.Type())
	if conf, err := ir.ToolCallConfirmation(); err == nil {
		what = fmt.Sprintf("run tool %s %s", styleToolName.Render(conf.ToolName), string(conf.Input))
	}
	r.println("\n" + stylePromptAction.Render("Confirmation required:") + " " + what)
	r.println(styleDim.Render(fmt.Sprintf("/approve %s or /deny %s", ir.ID(), ir.ID())))
}

func (r *REPL) printSources(sources []protocol.Source) {
	if len(sources) == 0 {
		return
	}
	r.printf("\n%s\n", styleDim.Render("Sources:"))
	for _, s := range sources {
		line := fmt.Sprintf("  [%d] %s", s.Number, s.Title)
		if s.URL != "" {
			line += " " + styleSource.Render(s.URL)
		}
		r.println(line)
	}
}

func (r *REPL) signal() {
	select {
	case r.turn <- struct{}{}:
	default:
	}
}

func (r *REPL) drainTurn() {
	select {
	case <-r.turn:
	default:
	}
}

// waitTurn blocks until the agent finishes the exchange, asks for a
// confirmation, or the session goes away.
func (r *REPL) waitTurn(s *conversation.Session) {
	var done <-chan struct{}
	if s != nil {
		done = s.Done()
	}
	select {
	case <-r.turn:
	case <-done:
		r.println(styleWarning.Render("Session ended."))
	case <-r.ctx.Done():
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = lipgloss.Fprintf(r.out, format, args...)
}

func (r *REPL) println(s string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = lipgloss.Fprintln(r.out, s)
}
