package commands

import (
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"
)

var ErrorUnknownCommand = errors.New("cache: unknown command type")

type envelope struct {
	Name    string `msgpack:"name"`
	Payload []byte `msgpack:"payload"`
}

// Marshal serializes a command into a self-describing envelope so that the
// receiving side can decode it without out-of-band type information.
func Marshal(cmd Command) ([]byte, error) {
	payload, err := msgpack.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize command payload")
	}
	return msgpack.Marshal(&envelope{
		Name:    cmd.CommandName(),
		Payload: payload,
	})
}

func Unmarshal(data []byte) (Command, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize command envelope")
	}

	var cmd Command
	switch env.Name {
	case "state-request":
		cmd = &StateRequestCommand{}
	case "state-response":
		cmd = &StateResponseCommand{}
	case "put-key-value":
		cmd = &PutKeyValueCommand{}
	case "invalidate":
		cmd = &InvalidateCommand{}
	case "invalidate-l1":
		cmd = &InvalidateL1Command{}
	default:
		return nil, errors.Wrapf(ErrorUnknownCommand, "name: %s", env.Name)
	}

	if err := msgpack.Unmarshal(env.Payload, cmd); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize %s command", env.Name)
	}
	return cmd, nil
}
