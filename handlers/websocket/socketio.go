package websocket

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"canvas-collab/collab"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const eventTimeout = 5 * time.Second

var inboundEvents = []string{
	collab.EventJoin,
	collab.EventCursorMove,
	collab.EventSelectionSet,
	collab.EventLockAcquire,
	collab.EventLockRelease,
}

var errMissingPayload = errors.New("event payload is required")

type ackInvoker func(err error, payload map[string]any)

// socketConn adapts a socket.io socket to collab.Conn.
type socketConn struct {
	socket *socketio.Socket
}

func (c *socketConn) ID() string { return string(c.socket.Id()) }

func (c *socketConn) Send(ev collab.Event) error {
	if !c.socket.Connected() {
		return fmt.Errorf("socket %s is disconnected", c.socket.Id())
	}
	return c.socket.Emit(ev.Type, ev.Data)
}

func (c *socketConn) Close() error {
	c.socket.Disconnect(true)
	return nil
}

// SetupSocketIO builds the socket.io server that feeds events into hub.
func SetupSocketIO(hub *collab.Hub) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(1000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin: []any{
			"tauri://localhost",
			localhostOrigin,
		},
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		session := hub.Connect(&socketConn{socket: socket})
		log := logrus.WithField("conn", socket.Id())
		log.Debug("Socket connected")

		for _, name := range inboundEvents {
			eventType := name
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(eventType, func(datas ...any) {
				handleEvent(session, eventType, datas)
			})
		}

		socket.On("disconnect", func(datas ...any) {
			log.WithField("reason", datas).Debug("Socket disconnected")
			session.Close()
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

func handleEvent(session *collab.Session, eventType string, datas []any) {
	ack, args := extractAck(datas)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	err := session.Dispatch(ctx, eventType, func(v any) error {
		if len(args) == 0 {
			return errMissingPayload
		}
		return decodePayload(args[0], v)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"event":  eventType,
			"reason": collab.ReasonOf(err),
		}).WithError(err).Debug("Event rejected")
	}
	respondWithAck(ack, err)
}

// decodePayload copies a socket.io argument (usually a map decoded from JSON)
// into one of the typed collab request structs.
func decodePayload(input, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		value.Call(buildAckArgs(typ, err, payload))
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// buildAckArgs fits the outcome to the callback's signature. socket.io acks take
// ([]any, error); plain callbacks get the payload map directly.
func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		switch {
		case paramType.Kind() == reflect.Slice && paramType.Elem().Kind() == reflect.Interface:
			args[i] = reflect.ValueOf([]any{payload}).Convert(paramType)
		case paramType == errorType:
			if err == nil {
				args[i] = reflect.Zero(paramType)
			} else {
				args[i] = reflect.ValueOf(err)
			}
		default:
			args[i] = coerceValue(payload, paramType)
		}
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}
	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}
	if targetType.Kind() == reflect.Interface && targetType.NumMethod() == 0 {
		return rv
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	if targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String {
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}

	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		if val == nil {
			result.SetMapIndex(keyValue, reflect.Zero(targetType.Elem()))
			continue
		}
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if !valueValue.Type().ConvertibleTo(targetType.Elem()) {
				continue
			}
			valueValue = valueValue.Convert(targetType.Elem())
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}

// ackPayload reports the outcome of one event to the client's ack callback.
func ackPayload(err error) map[string]any {
	if err == nil {
		return map[string]any{"status": "ok"}
	}
	payload := map[string]any{"status": "error", "error": err.Error()}
	if reason := collab.ReasonOf(err); reason != "" {
		payload["reason"] = string(reason)
	}
	return payload
}

func respondWithAck(ack ackInvoker, err error) {
	if ack != nil {
		ack(err, ackPayload(err))
	}
}
