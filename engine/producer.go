package engine

import (
	"net/http"
	"strconv"

	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// MaxProducerIDLen bounds Producer-Id length.
const MaxProducerIDLen = 256

type producerOutcome int

const (
	producerAccept producerOutcome = iota
	producerDuplicate
)

// ParseProducerHeaders extracts and validates the producer triple from a
// request. Returns nil when no producer headers are present; partial headers
// are an error.
func ParseProducerHeaders(h http.Header) (*ProducerInfo, error) {
	id := h.Get(wire.HeaderProducerID)
	epochStr := h.Get(wire.HeaderProducerEpoch)
	seqStr := h.Get(wire.HeaderProducerSeq)
	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, wire.New(http.StatusBadRequest, wire.CodeProducerHeadersIncomplete,
			"Producer-Id, Producer-Epoch and Producer-Seq must all be present")
	}
	if len(id) > MaxProducerIDLen {
		return nil, wire.Newf(http.StatusBadRequest, wire.CodeProducerIDInvalid,
			"Producer-Id exceeds %d characters", MaxProducerIDLen)
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return nil, wire.New(http.StatusBadRequest, wire.CodeProducerEpochSeqNotInts,
			"Producer-Epoch and Producer-Seq must be integers")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, wire.New(http.StatusBadRequest, wire.CodeProducerEpochSeqNotInts,
			"Producer-Epoch and Producer-Seq must be integers")
	}
	if epoch < 0 || seq < 0 {
		return nil, wire.New(http.StatusBadRequest, wire.CodeProducerEpochSeqOverflow,
			"Producer-Epoch and Producer-Seq must be non-negative")
	}
	return &ProducerInfo{ID: id, Epoch: epoch, Seq: seq}, nil
}

// validateProducer applies the idempotence rules against the stored state.
// prior is nil for an unseen producer id. On producerAccept the returned
// state is the new record to persist with the append.
func validateProducer(prior *store.ProducerState, info *ProducerInfo) (*store.ProducerState, producerOutcome, error) {
	next := &store.ProducerState{ID: info.ID, Epoch: info.Epoch, LastSeq: info.Seq}

	if prior == nil {
		if info.Seq != 0 {
			return nil, 0, wire.Newf(http.StatusConflict, wire.CodeProducerSeqMustStartAtZero,
				"unknown producer must start at seq 0, got %d", info.Seq)
		}
		return next, producerAccept, nil
	}

	switch {
	case info.Epoch < prior.Epoch:
		return nil, 0, wire.Newf(http.StatusConflict, wire.CodeStaleProducerEpoch,
			"producer epoch %d is older than accepted epoch %d", info.Epoch, prior.Epoch)

	case info.Epoch > prior.Epoch:
		if info.Seq != 0 {
			return nil, 0, wire.Newf(http.StatusConflict, wire.CodeProducerSeqMustStartAtZero,
				"new epoch must start at seq 0, got %d", info.Seq)
		}
		return next, producerAccept, nil

	default: // same epoch
		switch {
		case info.Seq == prior.LastSeq+1:
			return next, producerAccept, nil
		case info.Seq <= prior.LastSeq:
			return prior, producerDuplicate, nil
		default:
			return nil, 0, wire.Newf(http.StatusConflict, wire.CodeProducerSequenceGap,
				"expected seq %d, got %d", prior.LastSeq+1, info.Seq).
				WithHeader(wire.HeaderProducerExpectedSeq, strconv.FormatInt(prior.LastSeq+1, 10))
		}
	}
}
