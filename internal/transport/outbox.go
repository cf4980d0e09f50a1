package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"data-sender/internal/metrics"
	"data-sender/internal/models"
)

// DefaultPublishTimeout ограничивает одну публикацию
const DefaultPublishTimeout = 10 * time.Second

// BatchRecorder сохраняет отправленные пакеты (журнал последних пакетов)
type BatchRecorder interface {
	RecordBatch(ctx context.Context, b models.Batch) error
}

// OutboxConfig - параметры очереди отправки
type OutboxConfig struct {
	BridgeID     string
	DataTopic    string
	ServiceTopic string
	QueueSize    int
	Timeout      time.Duration
}

// job - одна задача очереди: пакет или ответ адаптору
type job struct {
	batch     *models.Batch
	reply     *models.ServiceRequest
	adaptorID string
}

// Outbox принимает пакеты от диспетчера без блокировки и публикует их
// в рабочих горутинах. При переполнении очереди сообщение отбрасывается.
type Outbox struct {
	pub      Publisher
	enc      Encoder
	replyEnc Encoder
	recorder BatchRecorder
	cfg      OutboxConfig
	log      *slog.Logger

	jobs     chan job
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOutbox создает очередь отправки. recorder может быть nil.
func NewOutbox(pub Publisher, enc Encoder, recorder BatchRecorder, cfg OutboxConfig, log *slog.Logger) *Outbox {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}
	return &Outbox{
		pub:      pub,
		enc:      enc,
		replyEnc: JSONEncoder{},
		recorder: recorder,
		cfg:      cfg,
		log:      log.With("component", "outbox"),
		jobs:     make(chan job, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start запускает рабочие горутины
func (o *Outbox) Start(numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// worker горутина для публикации сообщений
func (o *Outbox) worker() {
	defer o.wg.Done()
	for {
		select {
		case j := <-o.jobs:
			o.handle(j)
		case <-o.stopChan:
			// Публикуем то, что уже принято в очередь
			for {
				select {
				case j := <-o.jobs:
					o.handle(j)
				default:
					return
				}
			}
		}
	}
}

// SubmitBatch ставит пакет в очередь; false, если очередь переполнена
func (o *Outbox) SubmitBatch(b models.Batch) bool {
	return o.submit(job{batch: &b})
}

// SubmitReply ставит ответ адаптору в очередь
func (o *Outbox) SubmitReply(adaptorID string, r models.ServiceRequest) bool {
	return o.submit(job{reply: &r, adaptorID: adaptorID})
}

func (o *Outbox) submit(j job) bool {
	select {
	case o.jobs <- j:
		return true
	default:
		metrics.OutboxDropped.Inc()
		o.log.Warn("Outbox full, message dropped", "queue_size", o.cfg.QueueSize)
		return false
	}
}

func (o *Outbox) handle(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	defer cancel()

	var err error
	if j.batch != nil {
		err = o.PublishBatch(ctx, *j.batch)
	} else {
		err = o.PublishReply(ctx, j.adaptorID, *j.reply)
	}
	if err != nil {
		metrics.PublishErrors.WithLabelValues(o.pub.Name()).Inc()
		o.log.Error("Publish failed", "error", err)
	}
}

// PublishBatch кодирует и синхронно публикует пакет
func (o *Outbox) PublishBatch(ctx context.Context, b models.Batch) error {
	payload, err := o.enc.Marshal(models.NewDataMessage(b))
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", b.ID, err)
	}

	start := time.Now()
	err = o.pub.Publish(ctx, Message{
		Topic:       Topic(o.cfg.DataTopic, o.cfg.BridgeID, ""),
		Payload:     payload,
		ContentType: o.enc.ContentType(),
		Properties:  map[string]string{"batch-id": b.ID},
	})
	metrics.PublishLatency.WithLabelValues(o.pub.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("batch %s: %w", b.ID, err)
	}

	if o.recorder != nil {
		if err := o.recorder.RecordBatch(ctx, b); err != nil {
			metrics.CacheErrors.WithLabelValues("record_batch").Inc()
			o.log.Warn("Batch not recorded", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}

// PublishReply публикует ответ на объявление возможностей адаптора
func (o *Outbox) PublishReply(ctx context.Context, adaptorID string, r models.ServiceRequest) error {
	payload, err := o.replyEnc.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	err = o.pub.Publish(ctx, Message{
		Topic:       Topic(o.cfg.ServiceTopic, o.cfg.BridgeID, adaptorID),
		Payload:     payload,
		ContentType: o.replyEnc.ContentType(),
	})
	if err != nil {
		return fmt.Errorf("reply to %s: %w", adaptorID, err)
	}
	return nil
}

// Pending возвращает число сообщений в очереди
func (o *Outbox) Pending() int {
	return len(o.jobs)
}

// Stop публикует принятые сообщения и останавливает рабочие горутины
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() { close(o.stopChan) })
	o.wg.Wait()
}
