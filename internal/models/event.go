package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event represents one decoded contract log. Identity is the
// (tx_hash, log_index) pair; everything else is payload.
type Event struct {
	ID          string     `json:"id" db:"id"`
	BlockNumber uint64     `json:"block_number" db:"block_number"`
	BlockHash   string     `json:"block_hash" db:"block_hash"`
	TxHash      string     `json:"tx_hash" db:"tx_hash"`
	TxIndex     uint       `json:"tx_index" db:"tx_index"`
	LogIndex    uint       `json:"log_index" db:"log_index"`
	Address     string     `json:"contract_address" db:"contract_address"`
	EventName   string     `json:"event_name" db:"event_name"`
	EventSig    string     `json:"event_signature" db:"event_signature"`
	Params      Parameters `json:"parameters" db:"parameters"`
	Decoded     bool       `json:"decoded" db:"decoded"`
	Timestamp   time.Time  `json:"timestamp" db:"timestamp"`
}

// Parameter is a single named event argument.
type Parameter struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Parameters holds decoded event arguments in ABI declaration order. It
// marshals to a JSON object whose keys keep that order, so a stored event
// round-trips without scrambling its argument list.
type Parameters []Parameter

// Get returns the value for name and whether it was present.
func (p Parameters) Get(name string) (interface{}, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return nil, false
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(param.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := json.Marshal(param.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("parameters: expected JSON object, got %v", tok)
	}

	out := Parameters{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("parameters: expected string key, got %v", keyTok)
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return err
		}
		out = append(out, Parameter{Name: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = out
	return nil
}

// EventFilter for querying stored events. Nil pointer fields are not
// applied. Results are always ordered by (block_number, log_index) ascending.
type EventFilter struct {
	ContractAddress *common.Address `json:"contract_address,omitempty"`
	EventName       *string         `json:"event_name,omitempty"`
	FromBlock       *uint64         `json:"from_block,omitempty"`
	ToBlock         *uint64         `json:"to_block,omitempty"`
	TxHash          *string         `json:"tx_hash,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	Offset          int             `json:"offset,omitempty"`
}
