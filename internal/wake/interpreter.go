package wake

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CommandKind classifies a matched spoken command.
type CommandKind string

const (
	CommandWake CommandKind = "wake"
	CommandExit CommandKind = "exit"
)

// Match is a recognized spoken command.
type Match struct {
	Kind      CommandKind
	MatchedAt time.Time
}

// InterpreterConfig holds the phrase lists and cooldowns. The exact phrase
// set is tuned per product, so it is configuration rather than code.
type InterpreterConfig struct {
	ProductName   string
	Aliases       []string
	WakeWords     []string // fire standalone ("hello")
	GreetingWords []string // fire only with the product name ("hi", "hey")
	ExitWords     []string
	WakeCooldown  time.Duration
	ExitCooldown  time.Duration
}

// Interpreter matches normalized transcripts against wake and exit phrase
// rules. Wake and exit keep independent last-trigger timestamps: the two
// kinds are mutually exclusive in meaning but can be heard in quick
// succession across true and false triggers, so a single global cooldown
// would mask real commands.
type Interpreter struct {
	cfg    InterpreterConfig
	isOpen func() bool
	logger zerolog.Logger

	mu       sync.Mutex
	lastWake time.Time
	lastExit time.Time

	now func() time.Time
}

// NewInterpreter creates a command interpreter. isOpen reports whether the
// assistant overlay is currently open; exit phrases heard while closed are
// ambient speech, not commands.
func NewInterpreter(cfg InterpreterConfig, isOpen func() bool, logger zerolog.Logger) *Interpreter {
	return &Interpreter{
		cfg:    cfg,
		isOpen: isOpen,
		logger: logger.With().Str("component", "interpreter").Logger(),
		now:    time.Now,
	}
}

// Interpret matches one normalized transcript. It returns the match and
// true when a command fires; cooldown-suppressed and non-matching
// transcripts return false.
func (i *Interpreter) Interpret(text string) (Match, bool) {
	if text == "" {
		return Match{}, false
	}

	if i.matchesExit(text) {
		if !i.isOpen() {
			// Not meaningful while closed; also guards against false
			// positives from ambient speech.
			return Match{}, false
		}
		return i.fire(CommandExit)
	}

	if i.matchesWake(text) {
		return i.fire(CommandWake)
	}

	return Match{}, false
}

func (i *Interpreter) matchesWake(text string) bool {
	if containsAnyWord(text, i.cfg.WakeWords) {
		return true
	}
	if containsAnyWord(text, i.cfg.GreetingWords) {
		if containsWord(text, i.cfg.ProductName) || containsAnyWord(text, i.cfg.Aliases) {
			return true
		}
	}
	return false
}

func (i *Interpreter) matchesExit(text string) bool {
	return containsAnyWord(text, i.cfg.ExitWords)
}

// fire applies the per-kind cooldown and records the trigger time.
func (i *Interpreter) fire(kind CommandKind) (Match, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	switch kind {
	case CommandWake:
		if !i.lastWake.IsZero() && now.Sub(i.lastWake) < i.cfg.WakeCooldown {
			i.logger.Debug().Msg("wake suppressed by cooldown")
			return Match{}, false
		}
		i.lastWake = now
	case CommandExit:
		if !i.lastExit.IsZero() && now.Sub(i.lastExit) < i.cfg.ExitCooldown {
			i.logger.Debug().Msg("exit suppressed by cooldown")
			return Match{}, false
		}
		i.lastExit = now
	}

	i.logger.Info().Str("kind", string(kind)).Msg("command matched")
	return Match{Kind: kind, MatchedAt: now}, true
}
