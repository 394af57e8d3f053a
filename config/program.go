package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// ProgramWatcher serves the program read from a YAML or JSON file and
// reloads it when the file changes. A reload that fails to parse or
// validate is logged and the previous program stays in effect.
//
// ProgramWatcher implements loyalty.ProgramSource. Swap (used by the admin
// API) replaces the program until the next file change.
type ProgramWatcher struct {
	v       *viper.Viper
	factory *factory.ProgramFactory
	current *loyalty.StaticProgram
	log     logrus.FieldLogger

	mu       sync.Mutex // serializes reloads
	onChange []func(*loyalty.Program)
}

// NewProgramWatcher reads path once. An invalid initial file is an error.
func NewProgramWatcher(path string, log logrus.FieldLogger) (*ProgramWatcher, error) {
	v := viper.New()
	v.SetConfigFile(path)

	w := &ProgramWatcher{
		v:       v,
		factory: factory.NewProgramFactory(),
		log:     log.WithField("program_file", path),
	}
	p, err := w.read()
	if err != nil {
		return nil, err
	}
	w.current = loyalty.NewStaticProgram(p)
	return w, nil
}

func (w *ProgramWatcher) Program() *loyalty.Program { return w.current.Program() }

// Swap validates p and makes it current.
func (w *ProgramWatcher) Swap(p *loyalty.Program) error {
	if err := w.current.Swap(p); err != nil {
		return err
	}
	w.notify(p)
	return nil
}

// OnChange registers fn to run after every successful reload or swap.
func (w *ProgramWatcher) OnChange(fn func(*loyalty.Program)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch starts reloading on file changes. It returns immediately.
func (w *ProgramWatcher) Watch() {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if err := w.Reload(); err != nil {
			w.log.WithError(err).WithField("op", e.Op.String()).Error("program reload rejected, keeping previous program")
		}
	})
	w.v.WatchConfig()
}

// Reload re-reads the file and swaps in the new program if it is valid.
func (w *ProgramWatcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := w.read()
	if err != nil {
		return err
	}
	if err := w.current.Swap(p); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"version": p.Version, "tiers": len(p.Tiers)}).Info("program reloaded")
	for _, fn := range w.onChange {
		fn(p)
	}
	return nil
}

func (w *ProgramWatcher) read() (*loyalty.Program, error) {
	if err := w.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read program file: %w", err)
	}
	var doc factory.ProgramDocument
	if err := w.v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode program file: %v", loyalty.ErrInvalidProgram, err)
	}
	return w.factory.FromDocument(doc)
}

func (w *ProgramWatcher) notify(p *loyalty.Program) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, fn := range w.onChange {
		fn(p)
	}
}
