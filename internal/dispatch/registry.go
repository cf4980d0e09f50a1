package dispatch

import (
	"sort"
	"time"

	"data-sender/internal/config"
	"data-sender/internal/signal"
)

// key идентифицирует фильтр: устройство и тип сигнала
type key struct {
	device string
	signal signal.Type
}

// Registry создает и находит фильтры сигналов.
// Фильтр создается один раз: при первом объявлении возможности, если политика
// включена и имя устройства известно. Фильтры не удаляются.
type Registry struct {
	base       string
	snap       config.Snapshot
	ids        *Identities
	filters    map[key]*signal.Filter
	advertised map[string]map[signal.Type]struct{}
	now        func() time.Time
}

// NewRegistry создает реестр; base - префикс путей временных рядов (bridge id)
func NewRegistry(base string, snap config.Snapshot, ids *Identities, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		base:       base,
		snap:       snap,
		ids:        ids,
		filters:    make(map[key]*signal.Filter),
		advertised: make(map[string]map[signal.Type]struct{}),
		now:        now,
	}
}

// Register запоминает возможность устройства и создает фильтр, если это допустимо.
// Возвращает интервал опроса для источника и признак наличия фильтра.
// Повторное объявление существующей пары ничего не меняет.
func (r *Registry) Register(deviceID string, t signal.Type) (time.Duration, bool) {
	caps, ok := r.advertised[deviceID]
	if !ok {
		caps = make(map[signal.Type]struct{})
		r.advertised[deviceID] = caps
	}
	caps[t] = struct{}{}

	policy := r.snap.Policy(t)
	if !policy.Enabled {
		return 0, false
	}
	if _, ok := r.filters[key{deviceID, t}]; ok {
		return policy.RequestedInterval(t), true
	}
	if !r.create(deviceID, t, policy) {
		return policy.RequestedInterval(t), false
	}
	return policy.RequestedInterval(t), true
}

// create строит фильтр; false, если имя устройства еще не известно
func (r *Registry) create(deviceID string, t signal.Type, policy signal.Policy) bool {
	name, ok := r.ids.Resolve(deviceID)
	if !ok {
		return false
	}
	f, err := signal.NewFilter(t, signal.Path(r.base, name, t), policy, seconds(r.now()))
	if err != nil {
		return false
	}
	r.filters[key{deviceID, t}] = f
	return true
}

// Lookup возвращает фильтр пары устройство/сигнал, в том числе выключенный
func (r *Registry) Lookup(deviceID string, t signal.Type) (*signal.Filter, bool) {
	f, ok := r.filters[key{deviceID, t}]
	return f, ok
}

// Activate создает фильтры для ранее объявленных возможностей устройства,
// например после того, как стало известно его имя. Возвращает число новых фильтров.
func (r *Registry) Activate(deviceID string) int {
	created := 0
	for t := range r.advertised[deviceID] {
		if _, ok := r.filters[key{deviceID, t}]; ok {
			continue
		}
		policy := r.snap.Policy(t)
		if policy.Enabled && r.create(deviceID, t, policy) {
			created++
		}
	}
	return created
}

// Reconfigure применяет новый снимок: меняет политики существующих фильтров
// и создает фильтры для объявленных возможностей, которые стали включены.
// Выключенные фильтры сохраняются вместе с последним значением.
func (r *Registry) Reconfigure(snap config.Snapshot) int {
	r.snap = snap
	for k, f := range r.filters {
		f.SetPolicy(snap.Policy(k.signal))
	}
	created := 0
	for deviceID := range r.advertised {
		created += r.Activate(deviceID)
	}
	return created
}

// Intervals возвращает интервалы опроса включенных возможностей устройства
// в порядке объявления типов сигналов
func (r *Registry) Intervals(deviceID string, offered []signal.Type) []Interval {
	var out []Interval
	for _, t := range signal.All {
		if !contains(offered, t) {
			continue
		}
		policy := r.snap.Policy(t)
		if !policy.Enabled {
			continue
		}
		out = append(out, Interval{Signal: t, Every: policy.RequestedInterval(t)})
	}
	return out
}

// Advertised возвращает объявленные возможности устройства
func (r *Registry) Advertised(deviceID string) []signal.Type {
	caps := r.advertised[deviceID]
	out := make([]signal.Type, 0, len(caps))
	for t := range caps {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Devices возвращает устройства, объявившие хотя бы одну возможность
func (r *Registry) Devices() []string {
	out := make([]string, 0, len(r.advertised))
	for id := range r.advertised {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len возвращает число фильтров
func (r *Registry) Len() int {
	return len(r.filters)
}

// States возвращает состояния всех фильтров, упорядоченные по пути
func (r *Registry) States() []signal.State {
	out := make([]signal.State, 0, len(r.filters))
	for _, f := range r.filters {
		out = append(out, f.State())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}

// Interval - запрошенный интервал опроса одного сигнала
type Interval struct {
	Signal signal.Type
	Every  time.Duration
}

func contains(ts []signal.Type, t signal.Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// seconds переводит время в секунды с дробной частью
func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
