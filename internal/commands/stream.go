package commands

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"redstream/internal/engine"
	"redstream/internal/protocol"
	"redstream/internal/request"
	"redstream/internal/router"
	"redstream/internal/value"
)

// XAdd appends an entry to a stream. Field arguments must come in pairs.
func XAdd(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}
	stream, err := req.Arg(1)
	if err != nil {
		return nil, err
	}
	id, err := request.ParseArg(req, 2, value.ParseStreamID)
	if err != nil {
		return nil, err
	}
	if len(req.Args)%2 != 0 {
		return nil, request.WrongArgs(req.Command)
	}

	fields := append([]string(nil), req.Args[2:]...)
	allocated, err := eng.Append(stream, id, fields)
	if err != nil {
		return nil, err
	}

	return router.BulkString(allocated.String()), nil
}

// XRange returns entries between two inclusive bounds.
func XRange(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}
	stream, err := req.Arg(1)
	if err != nil {
		return nil, err
	}
	start, err := request.ParseArg(req, 2, value.ParseRangeStart)
	if err != nil {
		return nil, err
	}
	end, err := request.ParseArg(req, 3, value.ParseRangeEnd)
	if err != nil {
		return nil, err
	}

	entries, err := eng.Range(stream, start, end, false, engine.UnboundedCount)
	if err != nil {
		return nil, err
	}

	return router.Raw(protocol.Encode(encodeEntries(entries))), nil
}

// XRead reads from several streams at once, starting strictly after the
// given per-stream ids. With BLOCK it waits for new entries when the first
// scan comes up empty.
func XRead(req *request.Request) (*router.Response, error) {
	eng, err := request.Extension[*engine.Engine](req)
	if err != nil {
		return nil, err
	}

	count, ok, err := request.ParseFlag(req, "count", strconv.Atoi)
	if err != nil {
		return nil, errors.New("ERR value is not an integer or out of range")
	}
	if !ok {
		count = engine.UnboundedCount
	}
	blockMs, hasBlock, err := request.ParseFlag(req, "block", strconv.Atoi)
	if err != nil {
		return nil, errors.New("ERR timeout is not an integer or out of range")
	}

	keys, starts, err := splitStreamsArgs(req)
	if err != nil {
		return nil, err
	}

	scan := func(includeTail bool) ([]protocol.Value, error) {
		output := make([]protocol.Value, 0, len(keys))
		for i, key := range keys {
			start, err := value.ParseReadStart(starts[i])
			if err != nil {
				return nil, err
			}
			// "$" keys only participate once the tail has moved.
			if start == value.MaxStreamID && !includeTail {
				continue
			}

			entries, err := eng.Range(key, start, value.MaxStreamID, start != value.MaxStreamID, count)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				continue
			}

			output = append(output, protocol.Value{Kind: protocol.KindArray, Elems: []protocol.Value{
				{Kind: protocol.KindBulkString, Str: key},
				encodeEntries(entries),
			}})
		}
		return output, nil
	}

	output, err := scan(false)
	if err != nil {
		return nil, err
	}

	if hasBlock && len(output) == 0 {
		ctx := context.Background()
		if blockMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(blockMs)*time.Millisecond)
			defer cancel()
		}

		handle := eng.Wait()
		defer handle.Close()

		if err := handle.ForKeys(ctx, keys); err != nil {
			return router.Raw(protocol.EncodeNilArray()), nil
		}

		output, err = scan(true)
		if err != nil {
			return nil, err
		}
		if len(output) == 0 {
			return router.Raw(protocol.EncodeNilArray()), nil
		}
	}

	return router.Raw(protocol.Encode(protocol.Value{Kind: protocol.KindArray, Elems: output})), nil
}

// splitStreamsArgs locates the STREAMS keyword and splits the remaining
// arguments evenly into stream keys and start ids.
func splitStreamsArgs(req *request.Request) ([]string, []string, error) {
	pivot := -1
	for i, arg := range req.Args {
		if strings.EqualFold(arg, "streams") {
			pivot = i
			break
		}
	}
	if pivot == -1 {
		return nil, nil, request.WrongArgs(req.Command)
	}

	rest := req.Args[pivot+1:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return nil, nil, request.WrongArgs(req.Command)
	}

	half := len(rest) / 2
	return rest[:half], rest[half:], nil
}

// encodeEntries renders stream entries as [id, [f1, v1, ...]] pairs.
func encodeEntries(entries []value.Entry) protocol.Value {
	out := make([]protocol.Value, 0, len(entries))
	for _, entry := range entries {
		out = append(out, protocol.Value{Kind: protocol.KindArray, Elems: []protocol.Value{
			{Kind: protocol.KindBulkString, Str: entry.ID.String()},
			{Kind: protocol.KindArray, Elems: protocol.BulkStrings(entry.Fields)},
		}})
	}
	return protocol.Value{Kind: protocol.KindArray, Elems: out}
}
