package dispatch

import (
	"sort"
	"strings"

	"data-sender/internal/models"
)

// Identities сопоставляет идентификатор устройства с его дружественным именем.
// Таблица принадлежит циклу диспетчера.
type Identities struct {
	adaptors map[string]models.Adaptor
}

// NewIdentities создает пустую таблицу
func NewIdentities() *Identities {
	return &Identities{adaptors: make(map[string]models.Adaptor)}
}

// Set добавляет или заменяет запись об устройстве
func (i *Identities) Set(a models.Adaptor) {
	i.adaptors[a.ID] = a
}

// Resolve возвращает дружественное имя устройства.
// Если дружественное имя не задано, используется имя устройства.
func (i *Identities) Resolve(deviceID string) (string, bool) {
	a, ok := i.adaptors[deviceID]
	if !ok {
		return "", false
	}
	name := strings.TrimSpace(a.FriendlyName)
	if name == "" {
		name = strings.TrimSpace(a.Name)
	}
	return name, name != ""
}

// Len возвращает количество известных устройств
func (i *Identities) Len() int {
	return len(i.adaptors)
}

// All возвращает записи, упорядоченные по идентификатору
func (i *Identities) All() []models.Adaptor {
	out := make([]models.Adaptor, 0, len(i.adaptors))
	for _, a := range i.adaptors {
		out = append(out, a)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
