// Package interactive runs an agent with a human in the loop.
//
// Three modes: human (the operator types the commands, the model is not
// consulted), confirm (the model proposes, the operator approves each
// command), and yolo (the model runs unattended). Slash commands switch
// modes at any prompt, and Ctrl-C opens a prompt whose text is injected
// into the conversation as a user interruption.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chzyer/readline"

	skiff "github.com/nevindra/skiff"
)

// Modes.
const (
	ModeHuman   = "human"
	ModeConfirm = "confirm"
	ModeYolo    = "yolo"
)

// Config controls the interactive wrapper.
type Config struct {
	// Mode is the starting mode. Defaults to confirm.
	Mode string `json:"mode" toml:"mode"`

	// Whitelist holds action regexes that run without confirmation in
	// confirm mode.
	Whitelist []string `json:"whitelist,omitempty" toml:"whitelist"`

	// ConfirmExit prompts when the agent submits. The operator may accept
	// the submission or type a new task that continues the run.
	ConfirmExit bool `json:"confirm_exit" toml:"confirm_exit"`
}

// Runner wraps an Agent with prompts. Not safe for concurrent use; one
// terminal, one runner.
type Runner struct {
	cfg       Config
	agent     *skiff.Agent
	rl        *readline.Instance
	out       io.Writer
	whitelist []*regexp.Regexp

	mu   sync.Mutex
	mode string

	interrupted atomic.Bool
}

// New builds a runner over model and env. The agent is created internally
// so the hooks are wired before the first step.
func New(model skiff.Model, env skiff.Environment, agentCfg skiff.AgentConfig, cfg Config, opts ...skiff.AgentOption) (*Runner, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeConfirm
	}
	switch cfg.Mode {
	case ModeHuman, ModeConfirm, ModeYolo:
	default:
		return nil, fmt.Errorf("unknown mode %q (want human, confirm, or yolo)", cfg.Mode)
	}
	whitelist := make([]*regexp.Regexp, 0, len(cfg.Whitelist))
	for _, pat := range cfg.Whitelist {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile whitelist pattern %q: %w", pat, err)
		}
		whitelist = append(whitelist, re)
	}
	rl, err := readline.New("> ")
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		rl:        rl,
		out:       os.Stdout,
		whitelist: whitelist,
		mode:      cfg.Mode,
	}
	opts = append(opts, skiff.WithHooks(skiff.Hooks{
		Query:         r.query,
		BeforeExecute: r.beforeExecute,
		Recover:       r.recover,
	}))
	r.agent = skiff.NewAgent(model, env, agentCfg, opts...)
	return r, nil
}

// Agent returns the wrapped agent.
func (r *Runner) Agent() *skiff.Agent { return r.agent }

// Mode returns the current mode.
func (r *Runner) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *Runner) setMode(mode string) {
	r.mu.Lock()
	changed := r.mode != mode
	r.mode = mode
	r.mu.Unlock()
	if changed {
		fmt.Fprintf(r.out, "switched to %s mode\n", mode)
	}
}

// Run drives the agent until a terminal event, watching for Ctrl-C between
// prompts.
func (r *Runner) Run(ctx context.Context, task string) (skiff.RunResult, error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sig:
				r.interrupted.Store(true)
			case <-done:
				return
			}
		}
	}()

	defer r.rl.Close()
	return r.agent.Run(ctx, task)
}

// query is the pre-query hook. It services a pending interruption first,
// then takes over the assistant turn entirely in human mode.
func (r *Runner) query(ctx context.Context, messages []skiff.Message) (skiff.Message, bool, error) {
	if r.interrupted.Swap(false) {
		if err := r.promptInterruption(); err != nil {
			return skiff.Message{}, false, err
		}
	}
	if r.Mode() != ModeHuman {
		return skiff.Message{}, false, nil
	}

	for {
		line, slash, err := r.prompt("command> ")
		if err != nil {
			return skiff.Message{}, false, err
		}
		if slash {
			if r.Mode() != ModeHuman {
				// Mode switched away; let the model take the turn.
				return skiff.Message{}, false, nil
			}
			continue
		}
		if line == "" {
			continue
		}
		return humanAssistantMessage(line), true, nil
	}
}

// beforeExecute is the confirmation hook. Whitelisted commands and yolo
// mode pass straight through.
func (r *Runner) beforeExecute(assistant skiff.Message) error {
	if r.Mode() != ModeConfirm || assistant.Extra == nil {
		return nil
	}
	if r.whitelisted(assistant.Extra.Actions) {
		return nil
	}

	fmt.Fprintln(r.out, assistant.Content)
	line, slash, err := r.prompt("execute? [enter=yes, /y=always, /u=take over, or explain rejection] ")
	if err != nil {
		return err
	}
	if slash {
		if r.Mode() == ModeHuman {
			return rejection("Command not executed: the user took control of the session.")
		}
		// /c is a no-op here, /y switched to yolo; both accept the command.
		return nil
	}
	if line == "" {
		return nil
	}
	return rejection("The user rejected this command. Feedback:\n" + line)
}

// recover services a pending interruption raised mid-step and the optional
// exit confirmation.
func (r *Runner) recover(ctx context.Context, err error) error {
	if r.interrupted.Swap(false) {
		if perr := r.promptInterruption(); perr != nil {
			return perr
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
	}

	var sub *skiff.Submitted
	if r.cfg.ConfirmExit && errors.As(err, &sub) {
		fmt.Fprintf(r.out, "the agent wants to finish with this submission:\n%s\n", sub.Submission)
		line, _, perr := r.prompt("accept? [enter=yes, or type a follow-up task] ")
		if perr != nil || line == "" {
			return err
		}
		return rejection(line)
	}
	return err
}

func (r *Runner) whitelisted(actions []skiff.Action) bool {
	if len(actions) == 0 {
		return false
	}
	for _, a := range actions {
		matched := false
		for _, re := range r.whitelist {
			if re.MatchString(a.Command) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// promptInterruption opens the Ctrl-C prompt. Nil means the interruption
// was transient; a *UserInterruption carries the typed message.
func (r *Runner) promptInterruption() error {
	fmt.Fprintln(r.out, "interrupted")
	line, _, err := r.prompt("message for the agent (enter to continue)> ")
	if err != nil {
		return err
	}
	if line == "" {
		return nil
	}
	return rejection(line)
}

// prompt reads one line, handling the shared slash commands uniformly.
// slash reports that the line was a mode switch and has been consumed.
func (r *Runner) prompt(text string) (line string, slash bool, err error) {
	r.rl.SetPrompt(text)
	for {
		raw, err := r.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return "", false, err
		}
		line = strings.TrimSpace(raw)
		switch line {
		case "/h", "/u":
			r.setMode(ModeHuman)
			return "", true, nil
		case "/c":
			r.setMode(ModeConfirm)
			return "", true, nil
		case "/y":
			r.setMode(ModeYolo)
			return "", true, nil
		}
		return line, false, nil
	}
}

// humanAssistantMessage synthesizes the assistant turn for an
// operator-typed command, matching the text-dialect fence so the log stays
// uniform.
func humanAssistantMessage(command string) skiff.Message {
	content := "```mswea_bash_command\n" + command + "\n```"
	return skiff.Message{
		Role:    skiff.RoleAssistant,
		Content: content,
		Extra: &skiff.Extra{
			Kind:      skiff.KindAssistant,
			Actions:   []skiff.Action{{Command: command}},
			Timestamp: skiff.Timestamp(),
		},
	}
}

// rejection wraps operator feedback as the recoverable interruption the
// loop re-injects to the model.
func rejection(text string) error {
	return &skiff.UserInterruption{Message: skiff.Message{
		Role:    skiff.RoleUser,
		Content: text,
		Extra: &skiff.Extra{
			Kind:          skiff.KindUserInterruption,
			InterruptType: "UserInterruption",
			Timestamp:     skiff.Timestamp(),
		},
	}}
}
