package engine

import "peerfetch/internal/domain"

// maybeSettle fires the payment hook for a completed download. The paid
// set is keyed by content hash and marked when settlement is triggered,
// not when it succeeds, so racing completion paths cannot double-pay.
// A settlement failure never disturbs the Completed status.
func (e *Engine) maybeSettle(t *domain.Task) {
	log := e.log.WithField("task_id", t.ID)

	amount := int64(0)
	if e.cfg.BytesPerCredit > 0 {
		amount = t.Size / e.cfg.BytesPerCredit
	}
	if amount == 0 {
		e.paid[t.ContentHash] = struct{}{}
		log.Debug("settlement amount is zero, marked settled")
		return
	}

	if _, done := e.paid[t.ContentHash]; done {
		log.Debug("content already settled, skipping")
		return
	}

	destination := ""
	for _, addr := range t.SourceAddresses {
		if addr != "" {
			destination = addr
			break
		}
	}
	if destination == "" {
		log.Warn("no settlement destination resolvable, skipping payment")
		return
	}
	if e.col.Settler == nil {
		log.Warn("no settler configured, skipping payment")
		return
	}

	e.paid[t.ContentHash] = struct{}{}

	hash := t.ContentHash
	ctx := e.ctx
	go func() {
		if err := e.col.Settler.Settle(ctx, hash, amount, destination, destination); err != nil {
			log.Warnf("settlement failed (download unaffected): %v", err)
			return
		}
		log.Infof("settled %d credits to %s", amount, destination)
	}()
}
