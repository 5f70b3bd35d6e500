package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LNCustody/internal/funding"
	"LNCustody/internal/payments"

	"go.uber.org/zap"
)

var (
	errStreamClosed  = errors.New("paid invoice stream closed")
	errSourceChanged = errors.New("funding source changed")
)

// RunStream consumes the active backend's paid stream, resubscribing after
// a backoff when it drops and immediately when the backend is swapped.
func (w *Worker) RunStream(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		source := w.funding.Get()
		changed := w.funding.Changed()

		err := w.consume(ctx, source, changed)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, errSourceChanged):
			w.log.Info("funding source changed, resubscribing", zap.String("source", w.funding.Get().Name()))
			continue
		case errors.Is(err, funding.ErrNotConfigured):
			w.log.Debug("paid invoice stream unavailable", zap.String("source", source.Name()))
		default:
			w.log.Warn("paid invoice stream ended", zap.String("source", source.Name()), zap.Error(err))
		}

		timer := time.NewTimer(w.cfg.StreamBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (w *Worker) consume(ctx context.Context, source funding.Source, changed <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream consumer panic: %v", r)
		}
	}()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ids, err := source.PaidInvoicesStream(streamCtx)
	if err != nil {
		return err
	}
	w.log.Debug("paid invoice stream subscribed", zap.String("source", source.Name()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			return errSourceChanged
		case id, ok := <-ids:
			if !ok {
				return errStreamClosed
			}
			if err := w.HandlePaid(ctx, id); err != nil {
				w.log.Warn("handle paid invoice", zap.String("checking_id", id), zap.Error(err))
			}
		}
	}
}

// DrainInternal finishes internal settlements queued by the engine.
func (w *Worker) DrainInternal(ctx context.Context) {
	queue := w.engine.InternalQueue()
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-queue:
			w.finishInternal(ctx, ref)
		}
	}
}

func (w *Worker) finishInternal(ctx context.Context, ref payments.InternalSettlement) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("internal settlement panic", zap.Any("panic", r))
		}
	}()
	if err := w.engine.FinishInternal(ctx, ref); err != nil {
		w.log.Warn("finish internal settlement", zap.String("checking_id", ref.CheckingID), zap.Error(err))
	}
}
