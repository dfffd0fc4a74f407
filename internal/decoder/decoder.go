// Package decoder maps raw chain logs to structured events using the
// contract registry. Both the historical and realtime paths share one
// decoder so the same log always yields the same stored record.
package decoder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/0xferrous/eventsync/internal/models"
	"github.com/0xferrous/eventsync/internal/registry"
	"github.com/0xferrous/eventsync/pkg/utils"
)

var (
	// ErrUnknownContract marks a log whose address has no registry binding.
	ErrUnknownContract = errors.New("log address not in registry")
	// ErrUnknownEvent marks a log whose topic0 matches no registered
	// event signature. Callers skip these with a warning.
	ErrUnknownEvent = errors.New("no matching event signature")
)

// Decoder decodes logs against an immutable registry.
type Decoder struct {
	registry *registry.Registry
	logger   *logrus.Entry
}

// New creates a decoder over the given registry.
func New(reg *registry.Registry) *Decoder {
	return &Decoder{
		registry: reg,
		logger:   utils.ComponentLogger("decoder"),
	}
}

// Decode turns a raw log into an event record. Unknown addresses and
// signatures return ErrUnknownContract / ErrUnknownEvent. A log that matches
// a known signature but carries data the ABI cannot unpack degrades to a raw
// record (Decoded=false) holding the untouched topics and data.
func (d *Decoder) Decode(log types.Log) (*models.Event, error) {
	binding, ok := d.registry.ByAddress(log.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, log.Address.Hex())
	}
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrUnknownEvent)
	}

	event, ok := binding.EventByTopic(log.Topics[0])
	if !ok {
		return nil, fmt.Errorf("%w: topic %s on contract %s",
			ErrUnknownEvent, log.Topics[0].Hex(), binding.Name)
	}

	params, err := decodeParams(event, log)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"contract": binding.Name,
			"event":    event.Name,
			"tx_hash":  log.TxHash.Hex(),
			"error":    err,
		}).Warn("Failed to unpack event data, storing raw record")
		return newEvent(log, event.Name, event.Sig, rawParams(log), false), nil
	}

	return newEvent(log, event.Name, event.Sig, params, true), nil
}

func newEvent(log types.Log, name, sig string, params models.Parameters, decoded bool) *models.Event {
	return &models.Event{
		ID:          utils.EventID(log.TxHash.Hex(), uint(log.Index)),
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		TxIndex:     uint(log.TxIndex),
		LogIndex:    uint(log.Index),
		Address:     utils.NormalizeAddress(log.Address.Hex()),
		EventName:   name,
		EventSig:    sig,
		Params:      params,
		Decoded:     decoded,
		Timestamp:   time.Now().UTC(),
	}
}

// decodeParams extracts arguments in ABI declaration order, indexed values
// from topics and the rest from the data segment.
func decodeParams(event abi.Event, log types.Log) (models.Parameters, error) {
	byName := make(map[string]interface{}, len(event.Inputs))

	topicIndex := 1 // topic0 is the signature hash
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		if topicIndex >= len(log.Topics) {
			return nil, fmt.Errorf("missing topic for indexed parameter %s", input.Name)
		}
		value, err := parseTopicValue(input.Type, log.Topics[topicIndex])
		if err != nil {
			value = log.Topics[topicIndex].Hex()
		}
		byName[input.Name] = convertValue(value)
		topicIndex++
	}

	nonIndexed := make(abi.Arguments, 0, len(event.Inputs))
	for _, input := range event.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpacking event data: %w", err)
		}
		for i, input := range nonIndexed {
			if i < len(values) {
				byName[input.Name] = convertValue(values[i])
			}
		}
	}

	params := make(models.Parameters, 0, len(event.Inputs))
	for _, input := range event.Inputs {
		if value, ok := byName[input.Name]; ok {
			params = append(params, models.Parameter{Name: input.Name, Value: value})
		}
	}
	return params, nil
}

// parseTopicValue parses an indexed value from its 32-byte topic.
func parseTopicValue(typ abi.Type, topic common.Hash) (interface{}, error) {
	switch typ.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes()), nil
	case abi.IntTy, abi.UintTy:
		return new(big.Int).SetBytes(topic.Bytes()), nil
	case abi.BoolTy:
		return topic.Big().Cmp(big.NewInt(0)) != 0, nil
	case abi.BytesTy, abi.FixedBytesTy, abi.StringTy:
		// Dynamic indexed values arrive pre-hashed; only the hash is known.
		return topic.Hex(), nil
	default:
		return topic.Hex(), nil
	}
}

// convertValue flattens ABI values into JSON-stable types. Numbers become
// decimal strings so 256-bit values survive the round trip.
func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(v)
	case bool:
		return v
	case string:
		return v
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				b[i] = byte(rv.Index(i).Uint())
			}
			return "0x" + hex.EncodeToString(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

// rawParams preserves an undecodable log verbatim.
func rawParams(log types.Log) models.Parameters {
	topics := make([]string, len(log.Topics))
	for i, topic := range log.Topics {
		topics[i] = topic.Hex()
	}
	return models.Parameters{
		{Name: "topics", Value: topics},
		{Name: "data", Value: "0x" + hex.EncodeToString(log.Data)},
	}
}
