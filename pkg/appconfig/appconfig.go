package appconfig

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

/*
ConfigWatcher watches a JSON config file and broadcasts the re-read config to
every subscriber whenever the file is written.  A missing or malformed file
produces the zero config rather than an error, so a bad edit can never take
the process down.
*/
type ConfigWatcher[T any] struct {
	configPath string
	logger     *zap.Logger
	watch      *fsnotify.Watcher

	lock     sync.Mutex
	watchers map[uuid.UUID]chan<- T
}

func NewConfigWatcher[T any](path string, logger *zap.Logger) (*ConfigWatcher[T], error) {
	if _, err := os.Stat(path); err != nil {
		file, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		_ = file.Close()
	}

	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	c := &ConfigWatcher[T]{
		configPath: path,
		logger:     logger,
		watch:      watch,
		watchers:   map[uuid.UUID]chan<- T{},
	}

	err = c.startWatcher()
	if err != nil {
		_ = watch.Close()
		return nil, err
	}

	return c, nil
}

// ReadConfig reads and parses the current config file contents.
func (c *ConfigWatcher[T]) ReadConfig() T {
	bytes, _ := os.ReadFile(c.configPath)
	var config T

	// we don't care about errors here, we'll just end up returning an empty
	// config if we can't read the file or it is misformatted
	_ = json.Unmarshal(bytes, &config)

	return config
}

func (c *ConfigWatcher[T]) broadcastConfig(config T) {
	c.lock.Lock()
	for _, ch := range c.watchers {
		ch <- config
	}
	c.lock.Unlock()
}

func (c *ConfigWatcher[T]) startWatcher() error {
	go func() {
		for {
			select {
			case event, ok := <-c.watch.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					c.broadcastConfig(c.ReadConfig())
				}
			case err, ok := <-c.watch.Errors:
				if !ok {
					return
				}
				c.logger.Warn("config watch error", zap.Error(err))
			}
		}
	}()

	return c.watch.Add(c.configPath)
}

// Subscribe registers a channel to receive config updates and returns the
// matching unsubscribe function.
func (c *ConfigWatcher[T]) Subscribe(ch chan<- T) func() {
	id := uuid.New()

	c.lock.Lock()
	c.watchers[id] = ch
	c.lock.Unlock()

	return func() {
		c.lock.Lock()
		delete(c.watchers, id)
		c.lock.Unlock()
	}
}

func (c *ConfigWatcher[T]) Close() error {
	return c.watch.Close()
}
