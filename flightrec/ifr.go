package flightrec

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// IFR magic ("IFR0") and version.
const (
	IFRMagic   uint32 = 0x30465249
	IFRVersion uint16 = 3

	// IFRRecordSize is the exact v3 wire size.
	IFRRecordSize = 324
)

// IFR flag bits.
const (
	FlagModelDigestMissing    uint16 = 1 << 0
	FlagSigUnavailable        uint16 = 1 << 1
	FlagPolicyDigestPlaceholder uint16 = 1 << 2
)

// Digest32 is a SHA-256 digest.
type Digest32 = [32]byte

// Sig64 is the (currently always-zero) signature field.
type Sig64 = [64]byte

// IFRRecord is the 324-byte v3 episode record.
type IFRRecord struct {
	Magic      uint32
	Version    uint16
	Flags      uint16
	RecordSize uint32
	JobID      uint32
	EpisodeID  uint32
	ModelID    uint32
	TSMicro    uint64
	Goodput    float32

	Nonce           Digest32
	ModelDigest     Digest32
	PolicyDigest    Digest32
	FlightrecSeal   Digest32
	PrevChainHash   Digest32
	IFRHash         Digest32
	ChainHash       Digest32
	Sig             Sig64
}

// ifrHashOffset is the byte offset of the IFRHash field within the
// encoded record: everything before it is what IFRHash is computed over.
const ifrHashOffset = 4 + 2 + 2 + 4 + 4 + 4 + 4 + 8 + 4 + 32*5 // up to and including PrevChainHash

// policyDigestSeed is hashed to produce the (placeholder) policy digest,
// per spec.md §4.5 step 4.
const policyDigestSeed = "zenedge-policy-v1"

// BuildInput carries the episode-specific values ifr_build needs; the
// fixed header fields and hash chain are computed internally.
type BuildInput struct {
	PrevChainHash Digest32
	JobID         uint32
	EpisodeID     uint32
	ModelID       uint32
	Goodput       float32
	TSMicro       uint64
	Nonce         Digest32
	FlightrecSeal Digest32

	// ModelData is the model blob's bytes, or nil if unavailable (sets
	// MODEL_DIGEST_MISSING).
	ModelData []byte
}

// Build constructs an IFR v3 record per spec.md §4.5: fills the fixed
// header, copies in the caller's nonce (see Nonce), derives the model and
// policy digests, seals in the current flight-recorder seal hash, then
// computes ifr_hash and chain_hash.
func Build(in BuildInput) IFRRecord {
	rec := IFRRecord{
		Magic:         IFRMagic,
		Version:       IFRVersion,
		RecordSize:    IFRRecordSize,
		JobID:         in.JobID,
		EpisodeID:     in.EpisodeID,
		ModelID:       in.ModelID,
		TSMicro:       in.TSMicro,
		Goodput:       in.Goodput,
		Nonce:         in.Nonce,
		FlightrecSeal: in.FlightrecSeal,
		PrevChainHash: in.PrevChainHash,
	}
	rec.PolicyDigest = sha256.Sum256([]byte(policyDigestSeed))
	rec.Flags |= FlagPolicyDigestPlaceholder

	if len(in.ModelData) == 0 {
		rec.Flags |= FlagModelDigestMissing
	} else {
		rec.ModelDigest = sha256.Sum256(in.ModelData)
	}

	// Signature is never produced by this core; always zeroed with the
	// flag set, per spec.md §4.5 step 8.
	rec.Flags |= FlagSigUnavailable

	buf := make([]byte, IFRRecordSize)
	encodeUpToPrevChain(buf, rec)
	rec.IFRHash = sha256.Sum256(buf[:ifrHashOffset])

	chainInput := make([]byte, 0, 32*6)
	chainInput = append(chainInput, rec.PrevChainHash[:]...)
	chainInput = append(chainInput, rec.IFRHash[:]...)
	chainInput = append(chainInput, rec.FlightrecSeal[:]...)
	chainInput = append(chainInput, rec.Nonce[:]...)
	chainInput = append(chainInput, rec.ModelDigest[:]...)
	chainInput = append(chainInput, rec.PolicyDigest[:]...)
	rec.ChainHash = sha256.Sum256(chainInput)

	return rec
}

// Verify recomputes ifr_hash and chain_hash and accepts iff both match the
// stored fields and magic/version/size are exact.
func Verify(rec IFRRecord) bool {
	if rec.Magic != IFRMagic || rec.Version != IFRVersion || rec.RecordSize != IFRRecordSize {
		return false
	}
	buf := make([]byte, IFRRecordSize)
	encodeUpToPrevChain(buf, rec)
	wantIFRHash := sha256.Sum256(buf[:ifrHashOffset])
	if wantIFRHash != rec.IFRHash {
		return false
	}
	chainInput := make([]byte, 0, 32*6)
	chainInput = append(chainInput, rec.PrevChainHash[:]...)
	chainInput = append(chainInput, rec.IFRHash[:]...)
	chainInput = append(chainInput, rec.FlightrecSeal[:]...)
	chainInput = append(chainInput, rec.Nonce[:]...)
	chainInput = append(chainInput, rec.ModelDigest[:]...)
	chainInput = append(chainInput, rec.PolicyDigest[:]...)
	wantChainHash := sha256.Sum256(chainInput)
	return wantChainHash == rec.ChainHash
}

// encodeUpToPrevChain writes the fixed header plus nonce/model/policy/seal/
// prev_chain_hash fields into buf (buf must be IFRRecordSize long); the
// remaining fields (ifr_hash, chain_hash, sig) are left zeroed, matching
// what ifr_hash is actually computed over (everything preceding it).
func encodeUpToPrevChain(buf []byte, rec IFRRecord) {
	binary.LittleEndian.PutUint32(buf[0:4], rec.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], rec.Version)
	binary.LittleEndian.PutUint16(buf[6:8], rec.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], rec.RecordSize)
	binary.LittleEndian.PutUint32(buf[12:16], rec.JobID)
	binary.LittleEndian.PutUint32(buf[16:20], rec.EpisodeID)
	binary.LittleEndian.PutUint32(buf[20:24], rec.ModelID)
	binary.LittleEndian.PutUint64(buf[24:32], rec.TSMicro)
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(rec.Goodput))
	off := 36
	copy(buf[off:off+32], rec.Nonce[:])
	off += 32
	copy(buf[off:off+32], rec.ModelDigest[:])
	off += 32
	copy(buf[off:off+32], rec.PolicyDigest[:])
	off += 32
	copy(buf[off:off+32], rec.FlightrecSeal[:])
	off += 32
	copy(buf[off:off+32], rec.PrevChainHash[:])
}

// Encode serializes the full record (including ifr_hash, chain_hash, and
// sig) to its 324-byte wire form.
func Encode(rec IFRRecord) [IFRRecordSize]byte {
	var out [IFRRecordSize]byte
	encodeUpToPrevChain(out[:], rec)
	off := ifrHashOffset
	copy(out[off:off+32], rec.IFRHash[:])
	off += 32
	copy(out[off:off+32], rec.ChainHash[:])
	off += 32
	copy(out[off:off+64], rec.Sig[:])
	return out
}

// Decode parses a 324-byte wire record back into an IFRRecord.
func Decode(buf [IFRRecordSize]byte) IFRRecord {
	var rec IFRRecord
	rec.Magic = binary.LittleEndian.Uint32(buf[0:4])
	rec.Version = binary.LittleEndian.Uint16(buf[4:6])
	rec.Flags = binary.LittleEndian.Uint16(buf[6:8])
	rec.RecordSize = binary.LittleEndian.Uint32(buf[8:12])
	rec.JobID = binary.LittleEndian.Uint32(buf[12:16])
	rec.EpisodeID = binary.LittleEndian.Uint32(buf[16:20])
	rec.ModelID = binary.LittleEndian.Uint32(buf[20:24])
	rec.TSMicro = binary.LittleEndian.Uint64(buf[24:32])
	rec.Goodput = math.Float32frombits(binary.LittleEndian.Uint32(buf[32:36]))
	off := 36
	copy(rec.Nonce[:], buf[off:off+32])
	off += 32
	copy(rec.ModelDigest[:], buf[off:off+32])
	off += 32
	copy(rec.PolicyDigest[:], buf[off:off+32])
	off += 32
	copy(rec.FlightrecSeal[:], buf[off:off+32])
	off += 32
	copy(rec.PrevChainHash[:], buf[off:off+32])
	off += 32
	copy(rec.IFRHash[:], buf[off:off+32])
	off += 32
	copy(rec.ChainHash[:], buf[off:off+32])
	off += 32
	copy(rec.Sig[:], buf[off:off+64])
	return rec
}

// Nonce derives the per-episode nonce from a timestamp and cycle counter,
// per spec.md §4.5 step 2.
func Nonce(tsMicro, cycles uint64) Digest32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], tsMicro)
	binary.LittleEndian.PutUint64(b[8:16], cycles)
	return sha256.Sum256(b[:])
}
