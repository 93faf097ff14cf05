// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

// Used for storing the log messages in memory.
// Useful for verifying the log messages in unit tests.

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type MemoryLogHook struct {
	subHooksLock sync.Mutex
	subHooks     []*MemoryLogSubHook
}

type MemoryLogSubHook struct {
	parent       *MemoryLogHook
	messagesLock sync.Mutex
	messages     []MemoryLogMessage
}

type MemoryLogMessage struct {
	Message string
	Level   logrus.Level
	Fields  logrus.Fields
}

func NewMemoryLogHook() *MemoryLogHook {
	return &MemoryLogHook{}
}

func (h *MemoryLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *MemoryLogHook) Fire(entry *logrus.Entry) error {
	h.subHooksLock.Lock()
	subHooks := h.subHooks
	h.subHooksLock.Unlock()

	for _, subHook := range subHooks {
		subHook.addEntry(entry)
	}
	return nil
}

func (h *MemoryLogHook) AddSubHook() *MemoryLogSubHook {
	subHook := &MemoryLogSubHook{
		parent: h,
	}

	h.subHooksLock.Lock()
	defer h.subHooksLock.Unlock()

	// Copy on write so Fire can iterate without holding the lock.
	h.subHooks = append(append([]*MemoryLogSubHook(nil), h.subHooks...), subHook)
	return subHook
}

func (h *MemoryLogHook) RemoveSubHook(subHook *MemoryLogSubHook) {
	h.subHooksLock.Lock()
	defer h.subHooksLock.Unlock()

	remaining := []*MemoryLogSubHook(nil)
	for _, existing := range h.subHooks {
		if existing != subHook {
			remaining = append(remaining, existing)
		}
	}
	h.subHooks = remaining
}

func (h *MemoryLogSubHook) addEntry(entry *logrus.Entry) {
	fields := make(logrus.Fields, len(entry.Data))
	for key, value := range entry.Data {
		fields[key] = value
	}

	h.messagesLock.Lock()
	defer h.messagesLock.Unlock()
	h.messages = append(h.messages, MemoryLogMessage{
		Message: entry.Message,
		Level:   entry.Level,
		Fields:  fields,
	})
}

func (h *MemoryLogSubHook) Close() {
	h.parent.RemoveSubHook(h)
}

// ConsumeMessages returns all the captured messages and clears the buffer.
func (h *MemoryLogSubHook) ConsumeMessages() []MemoryLogMessage {
	h.messagesLock.Lock()
	defer h.messagesLock.Unlock()

	messages := h.messages
	h.messages = nil
	return messages
}

// HasMessage reports whether a message at the given level containing substr was captured. The buffer is left intact.
func (h *MemoryLogSubHook) HasMessage(level logrus.Level, substr string) bool {
	h.messagesLock.Lock()
	defer h.messagesLock.Unlock()

	for _, message := range h.messages {
		if message.Level == level && strings.Contains(message.Message, substr) {
			return true
		}
	}
	return false
}
