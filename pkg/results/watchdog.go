package results

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// timeoutGrace is added to a test's timeout before it is recorded as
// timed out.
const timeoutGrace = 10 * time.Second

// watchdogs fire onTimeout for running tests that never report back.
type watchdogs struct {
	log       logrus.FieldLogger
	onTimeout func(token, test string)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newWatchdogs(log logrus.FieldLogger, onTimeout func(token, test string)) *watchdogs {
	return &watchdogs{
		log:       log,
		onTimeout: onTimeout,
		timers:    make(map[string]*time.Timer, 16),
	}
}

func watchdogKey(token, test string) string {
	return token + "\x00" + test
}

func (w *watchdogs) arm(token, test string, after time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	key := watchdogKey(token, test)
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}

	var timer *time.Timer

	timer = time.AfterFunc(after, func() {
		w.mu.Lock()

		if w.stopped || w.timers[key] != timer {
			w.mu.Unlock()

			return
		}

		delete(w.timers, key)
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()

		w.log.WithField("token", token).
			WithField("test", test).
			Info("Test timed out")

		w.onTimeout(token, test)
	})

	w.timers[key] = timer
}

func (w *watchdogs) cancel(token, test string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := watchdogKey(token, test)
	if t, ok := w.timers[key]; ok {
		t.Stop()
		delete(w.timers, key)
	}
}

func (w *watchdogs) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.timers)
}

// stop cancels every armed timer and waits for callbacks in flight.
func (w *watchdogs) stop() {
	w.mu.Lock()
	w.stopped = true

	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}

	w.mu.Unlock()

	w.wg.Wait()
}
