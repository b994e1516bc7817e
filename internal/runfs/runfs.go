package runfs

/*
Файл runfs.go реализует RunFS — асинхронный накопитель истории запусков.

Runner пишет результат каждого доменного аудита сюда, а не напрямую в БД:
задержки Postgres не должны удлинять цикл исполнения агента. События копятся
в памяти и уходят в базу пачками — по таймеру или при достижении лимита.

При остановке сервиса работает Drain Pattern: вход «запирается» атомарным
флагом, канал закрывается, воркер вычитывает остатки и делает финальный flush.
Потерь при штатной перезагрузке нет; при падении процесса теряется только
содержимое буфера — история запусков не является источником истины о состоянии
агента, им остается запись в Agent Store.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняется история запусков
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []RunEvent) error
}

type Recorder interface {
	Record(event RunEvent)
}

type RunFS struct {
	ch     chan RunEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	flushInterval time.Duration
	batchSize     int

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Record после Stop
	isClosed int32

	// BufferFill отдаем наружу для метрики заполненности (backpressure)
	fill atomic.Int64
}

func New(repo StorageInterface, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *RunFS {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &RunFS{
		ch:            make(chan RunEvent, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "runfs")),
		flushInterval: flushInterval,
		batchSize:     100,
	}
}

func (fs *RunFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *RunFS) Stop() {
	atomic.StoreInt32(&fs.isClosed, 1)

	// Даем крошечную паузу, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	fs.logger.Info("stopping run recorder: closing channel and flushing buffer...")
	close(fs.ch) // Новые события больше не принимаются
	fs.wg.Wait() // Ждем финальный flush
	fs.logger.Info("run recorder stopped gracefully")
}

// BufferFill — текущее число событий в очереди (для Prometheus gauge).
func (fs *RunFS) BufferFill() int64 {
	return fs.fill.Load()
}

func (fs *RunFS) Record(event RunEvent) {
	// Убеждаемся, что таймстемп всегда проставлен
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("run event dropped: recorder is stopping",
			zap.String("agent_id", event.AgentID),
			zap.String("domain", event.Domain))
		return
	}

	// Стратегия Load Shedding: при переполнении буфера событие уходит
	// в обычный лог, а не блокирует Runner
	select {
	case fs.ch <- event:
		fs.fill.Add(1)
	default:
		fs.logger.Error("run_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("domain", event.Domain),
			zap.String("status", event.Status),
		)
	}
}

func (fs *RunFS) worker() {
	defer fs.wg.Done()

	batch := make([]RunEvent, 0, fs.batchSize)
	ticker := time.NewTicker(fs.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к моменту финального flush может быть закрыт
			if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
				fs.logger.Error("run history flush failed", zap.Error(err), zap.Int("events", len(batch)))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop() — самодостаточный сигнал завершения:
				// воркер сначала вычитал всё из очереди, теперь финальный flush
				flush()
				fs.logger.Info("run recorder worker finished")
				return
			}
			fs.fill.Add(-1)
			batch = append(batch, event)
			if len(batch) >= fs.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
