package predictor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CallerProfile is the per-caller behavioral aggregate. Created lazily on
// first call, never destroyed; reset only through the admin surface.
type CallerProfile struct {
	Caller          common.Address `json:"caller"`
	FirstSeen       time.Time      `json:"firstSeen"`
	LastSeen        time.Time      `json:"lastSeen"`
	TotalCalls      uint64         `json:"totalCalls"`
	SuccessfulCalls uint64         `json:"successfulCalls"`
	FailedCalls     uint64         `json:"failedCalls"`
	TotalValue      *big.Int       `json:"totalValue"` // cumulative value seen
	RiskScore       float64        `json:"riskScore"`
	Blocked         bool           `json:"blocked"`
}

func newProfile(caller common.Address, now time.Time) *CallerProfile {
	return &CallerProfile{
		Caller:     caller,
		FirstSeen:  now,
		LastSeen:   now,
		TotalValue: new(big.Int),
	}
}

// patternWindow is the fixed size of the recent-call ring buffer.
const patternWindow = 10

// circularRepeatMin is how many times a selector must repeat inside the
// window to count as a circular pattern.
const circularRepeatMin = 3

type patternEntry struct {
	selector  [4]byte
	timestamp time.Time
}

// PatternTracker is a fixed-size ring of recent call selectors plus the
// current recursion depth. It detects circular selector sequences and rapid
// repeat calls.
type PatternTracker struct {
	entries [patternWindow]patternEntry
	next    int
	filled  bool

	Depth       int
	lastPattern common.Hash
}

// Record appends a call to the window and refreshes the pattern hash.
func (t *PatternTracker) Record(selector [4]byte, now time.Time) {
	t.entries[t.next] = patternEntry{selector: selector, timestamp: now}
	t.next++
	if t.next == patternWindow {
		t.next = 0
		t.filled = true
	}
	t.lastPattern = t.hashWindow()
}

// len returns the number of recorded entries.
func (t *PatternTracker) len() int {
	if t.filled {
		return patternWindow
	}
	return t.next
}

// hashWindow computes a keccak digest over the selectors currently in the
// window, oldest to newest, so identical sequences produce identical hashes.
func (t *PatternTracker) hashWindow() common.Hash {
	n := t.len()
	buf := make([]byte, 0, n*4)
	start := 0
	if t.filled {
		start = t.next
	}
	for i := 0; i < n; i++ {
		e := t.entries[(start+i)%patternWindow]
		buf = append(buf, e.selector[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// LastPattern returns the hash of the current selector window.
func (t *PatternTracker) LastPattern() common.Hash { return t.lastPattern }

// Circular reports whether any selector appears circularRepeatMin or more
// times in the window.
func (t *PatternTracker) Circular() bool {
	n := t.len()
	counts := make(map[[4]byte]int, n)
	for i := 0; i < n; i++ {
		counts[t.entries[i].selector]++
		if counts[t.entries[i].selector] >= circularRepeatMin {
			return true
		}
	}
	return false
}

// RapidRepeat reports whether the same selector was already seen within the
// rapid-repeat window before now.
func (t *PatternTracker) RapidRepeat(selector [4]byte, now time.Time) bool {
	cutoff := now.Add(-rapidRepeatWindow)
	n := t.len()
	for i := 0; i < n; i++ {
		e := t.entries[i]
		if e.selector == selector && e.timestamp.After(cutoff) {
			return true
		}
	}
	return false
}
