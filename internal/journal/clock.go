package journal

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tasklytic/tasklytic/internal/engine"
)

var clockKey = []byte("meta/clock")

// TickTx advances the local logical clock and returns the new value. Entity
// UpdatedAt stamps and entry CreatedAt stamps both come from this clock.
func TickTx(tx engine.Tx) (int64, error) {
	now, err := ReadClockTx(tx)
	if err != nil {
		return 0, err
	}
	now++
	return now, writeClock(tx, now)
}

// ObserveTx merges a logical timestamp seen on a remote entity into the local
// clock, so later local stamps order after it.
func ObserveTx(tx engine.Tx, remote int64) error {
	now, err := ReadClockTx(tx)
	if err != nil {
		return err
	}
	if remote <= now {
		return nil
	}
	return writeClock(tx, remote)
}

// ReadClockTx returns the current logical clock without advancing it.
func ReadClockTx(tx engine.Tx) (int64, error) {
	raw, err := tx.Get(clockKey)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt logical clock %q: %w", raw, err)
	}
	return v, nil
}

func writeClock(tx engine.Tx, v int64) error {
	return tx.Set(clockKey, []byte(strconv.FormatInt(v, 10)))
}
