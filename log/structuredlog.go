package log

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// FaultReport is the machine-readable record emitted once per fatal fault,
// next to the human-readable error line.
type FaultReport struct {
	Time      time.Time `json:"time"`
	Thread    uint32    `json:"thread_id"`
	Kind      string    `json:"kind"`
	HostAddr  uint64    `json:"host_addr"`
	GuestAddr uint32    `json:"guest_addr"`
	IsWrite   bool      `json:"is_write"`
	Code      string    `json:"code"`
	Disasm    string    `json:"disasm,omitempty"`
	Err       string    `json:"error"`
}

// NewFaultReport fills the time and hex-encodes the raw instruction bytes.
func NewFaultReport(kind string, code []byte, err error) FaultReport {
	r := FaultReport{
		Time: time.Now().UTC(),
		Kind: kind,
		Code: hex.EncodeToString(code),
	}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// Report writes r as a single JSON attribute at error level.
func Report(module string, r FaultReport) {
	msgJSON, err := json.Marshal(r)
	if err != nil {
		Error(module, "Report: failed to marshal fault report", "err", err)
		return
	}
	Root().Write(LevelError, module, "fault report", "report", string(msgJSON))
}
