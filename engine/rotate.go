package engine

import (
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/store"
)

// maybeRotate starts the rotation worker for a stream unless one is already
// running. One worker per stream at a time.
func (e *Engine) maybeRotate(inst *instance) {
	inst.mu.Lock()
	if inst.rotating || inst.hot == nil {
		inst.mu.Unlock()
		return
	}
	inst.rotating = true
	inst.mu.Unlock()
	go e.rotate(inst)
}

// rotate moves the oldest hot ops into cold segments until hot storage is
// back under both thresholds. The segment object is written before the
// hot-delete transaction; a crash between the two is reconciled on the next
// pass because the object key is derived from the seq range and a rewrite is
// byte-identical.
func (e *Engine) rotate(inst *instance) {
	defer func() {
		inst.mu.Lock()
		inst.rotating = false
		inst.mu.Unlock()
	}()

	for {
		inst.mu.Lock()
		if inst.hot == nil {
			inst.mu.Unlock()
			return
		}
		stats, err := inst.hot.Stats()
		if err != nil {
			inst.mu.Unlock()
			e.logger.Error("rotation stats failed",
				zap.String("stream", inst.path.String()), zap.Error(err))
			return
		}
		if stats.Count <= e.cfg.SegmentMaxMessages && stats.Bytes <= uint64(e.cfg.SegmentMaxBytes) {
			inst.mu.Unlock()
			return
		}
		meta, err := inst.hot.Meta()
		if err != nil {
			inst.mu.Unlock()
			return
		}
		ops, err := inst.hot.OldestOps(e.cfg.SegmentMaxMessages, e.cfg.SegmentMaxBytes)
		inst.mu.Unlock()
		if err != nil || len(ops) == 0 {
			return
		}

		blob, seg, err := store.BuildSegmentObject(inst.path, meta.ContentType, ops)
		if err != nil {
			e.logger.Error("segment build failed",
				zap.String("stream", inst.path.String()), zap.Error(err))
			return
		}
		if err := e.cfg.Objects.Put(seg.ObjectKey, blob, meta.ContentType); err != nil {
			e.logger.Error("segment object write failed",
				zap.String("key", seg.ObjectKey), zap.Error(err))
			return
		}

		inst.mu.Lock()
		if inst.hot == nil {
			inst.mu.Unlock()
			return
		}
		err = inst.hot.Rotate(seg)
		inst.mu.Unlock()
		if err != nil {
			e.logger.Error("rotation transaction failed",
				zap.String("key", seg.ObjectKey), zap.Error(err))
			return
		}
		e.logger.Debug("segment rotated",
			zap.String("stream", inst.path.String()),
			zap.String("key", seg.ObjectKey),
			zap.Uint64("start_seq", seg.StartSeq),
			zap.Uint64("end_seq", seg.EndSeq))
	}
}

// RotateNow runs one synchronous rotation pass, reconciling any rotation
// interrupted before its hot-delete transaction. Steady-state rotation is
// triggered from Append.
func (e *Engine) RotateNow(path store.StreamPath) error {
	inst, err := e.get(path)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if inst.rotating {
		inst.mu.Unlock()
		return nil
	}
	inst.rotating = true
	inst.mu.Unlock()
	e.rotate(inst)
	return nil
}
