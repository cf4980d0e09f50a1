package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Store сохраняет изменения конфигурации, сделанные во время работы
type Store interface {
	// LoadOverrides возвращает сохраненные изменения; found=false, если их нет
	LoadOverrides(ctx context.Context) (o Overrides, found bool, err error)
	// SaveOverrides заменяет сохраненные изменения
	SaveOverrides(ctx context.Context, o Overrides) error
}

// Manager хранит действующий снимок и применяет обновления.
// Новый снимок становится действующим только после успешного сохранения.
type Manager struct {
	mu        sync.RWMutex
	current   Snapshot
	store     Store
	persisted bool
	listeners []func(Snapshot)
	log       *slog.Logger
}

// NewManager создает менеджер поверх базового снимка
func NewManager(base Snapshot, store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{current: base, store: store, log: log}
}

// Current возвращает действующий снимок
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange регистрирует обработчик, вызываемый после смены снимка
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Restore накладывает ранее сохраненные изменения.
// Ошибка хранилища или поврежденные данные оставляют базовый снимок.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	o, found, err := m.store.LoadOverrides(ctx)
	if err != nil {
		m.log.Warn("Stored config could not be read", "error", err)
		return err
	}
	if !found {
		return nil
	}

	m.mu.Lock()
	next, err := m.current.Apply(o)
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("Stored config is invalid, ignoring", "error", err)
		return err
	}
	m.current = next
	m.persisted = true
	m.mu.Unlock()

	m.log.Debug("Restored stored config overrides")
	return nil
}

// Update применяет изменения: слияние, проверка, сохранение, замена снимка.
// changed=false, если действующие политики не изменились.
func (m *Manager) Update(ctx context.Context, o Overrides) (snap Snapshot, changed bool, err error) {
	m.mu.Lock()
	prev := m.current
	next, err := prev.Apply(o)
	if err != nil {
		m.mu.Unlock()
		return prev, false, err
	}

	changed = !next.Equal(prev)
	if !changed && m.persisted {
		m.mu.Unlock()
		return prev, false, nil
	}

	if m.store != nil {
		if err := m.store.SaveOverrides(ctx, next.Overrides()); err != nil {
			m.mu.Unlock()
			m.log.Warn("Config update not persisted, keeping previous config", "error", err)
			return prev, false, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	m.current = next
	m.persisted = true
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if changed {
		m.log.Info("Config updated")
		for _, fn := range listeners {
			fn(next)
		}
	}
	return next, changed, nil
}

// FileStore хранит изменения в JSON-файле
type FileStore struct {
	Path string
}

// LoadOverrides читает файл; отсутствие файла не является ошибкой
func (s FileStore) LoadOverrides(_ context.Context) (Overrides, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Overrides{}, false, nil
	}
	if err != nil {
		return Overrides{}, false, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return Overrides{}, false, fmt.Errorf("%w: %s: %v", ErrInvalid, s.Path, err)
	}
	return o, true, nil
}

// SaveOverrides записывает файл атомарно через временный файл
func (s FileStore) SaveOverrides(_ context.Context, o Overrides) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), s.Path)
}
