package flightrec

import (
	"errors"

	"github.com/zen-systems/zenedge/bufiox"
)

// ErrShortRecord is returned when a log buffer ends mid-record.
var ErrShortRecord = errors.New("flightrec: truncated IFR record")

// EpisodeLog is an append-only sequence of encoded IFR records, the
// on-disk/on-wire form of the chain an auditor replays to verify
// continuity end to end. It is built on bufiox's zero-copy buffer pair
// the same way a wire codec streams framed records without per-record
// allocation.
type EpisodeLog struct {
	buf []byte
}

// AppendRecord encodes rec and appends it to the log.
func (l *EpisodeLog) AppendRecord(rec IFRRecord) {
	w := bufiox.NewBytesWriter(&l.buf)
	enc := Encode(rec)
	if _, err := w.WriteBinary(enc[:]); err != nil {
		// BytesWriter only errors on a negative length, which never
		// happens for a fixed IFRRecordSize slice.
		panic(err)
	}
	_ = w.Flush()
}

// Bytes returns the log's encoded bytes.
func (l *EpisodeLog) Bytes() []byte { return l.buf }

// Len returns the number of complete records currently appended.
func (l *EpisodeLog) Len() int { return len(l.buf) / IFRRecordSize }

// ReadEpisodeLog decodes every record in buf in order. It does not verify
// the records or their chain linkage; VerifyChain does that. A buffer
// whose length is not a whole number of records (a partial trailing
// record) returns no records and ErrShortRecord rather than silently
// dropping the tail.
func ReadEpisodeLog(buf []byte) ([]IFRRecord, error) {
	if len(buf)%IFRRecordSize != 0 {
		return nil, ErrShortRecord
	}

	r := bufiox.NewBytesReader(buf)
	n := len(buf) / IFRRecordSize
	records := make([]IFRRecord, 0, n)
	for i := 0; i < n; i++ {
		raw, err := r.Next(IFRRecordSize)
		if err != nil {
			return records, err
		}
		var enc [IFRRecordSize]byte
		copy(enc[:], raw)
		records = append(records, Decode(enc))
	}
	return records, nil
}

// VerifyChain checks that every record in records verifies individually
// and that each record's prev_chain_hash matches its predecessor's
// chain_hash. An empty or single-record slice is trivially valid.
func VerifyChain(records []IFRRecord) bool {
	for i, rec := range records {
		if !Verify(rec) {
			return false
		}
		if i > 0 && rec.PrevChainHash != records[i-1].ChainHash {
			return false
		}
	}
	return true
}
