// Serves the outward API over the Redis protocol. The port is read-only: every reply is a JSON bulk string, or nil
// when the requested entity doesn't exist.

package port

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/discovery"
	"github.com/nobletooth/ledgerview/pkg/ledger"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// Engine is the outward API served by the port.
type Engine interface {
	GetContainer(ctx context.Context, id int64) (ledger.Container, bool)
	ListContainers(ctx context.Context, filter discovery.Filter, page, limit int) discovery.Page
	GetContainerItems(ctx context.Context, containerID int64) []ledger.Item
	ListItemsByOwner(ctx context.Context, owner string) []ledger.Item
	RefreshDiscovery(ctx context.Context) []int64
	ClearCache()
	InvalidateCache(pattern string) (int, error)
	GetCacheStats() cache.Stats
	GetSystemStatus(ctx context.Context) discovery.SystemStatus
}

var _ Engine = (*discovery.Engine)(nil)

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool    // Closes the connection if true.
	writeNil        bool    // Writes a nil value if true.
	err             *string // Error to return if set.
	writeInt        *int    // Writes an integer value if set.
	writeBulk       []byte  // Writes a bulk string if set.
	writeString     string  // Writes a string value if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func writeRedisJSON(v any) redisOutput {
	encoded, err := json.Marshal(v)
	if err != nil {
		return writeRedisError(fmt.Errorf("failed to encode reply: %w", err))
	}
	return redisOutput{writeBulk: encoded}
}

func wrongArguments(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

type redisHandler struct {
	engine Engine
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(engine Engine) (*redisHandler, error) {
	if engine == nil {
		return nil, errors.New("expected a non-nil engine")
	}
	return &redisHandler{engine: engine}, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not an integer or out of range: %q", arg)
	}
	return id, nil
}

// parseListing parses `[page] [limit] [OWNER addr] [ACTIVE] [NAME substr]`.
func parseListing(args []string) (filter discovery.Filter, page, limit int, err error) {
	positional := 0
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "OWNER":
			if i+1 >= len(args) {
				return filter, 0, 0, errors.New("OWNER expects an address")
			}
			i++
			filter.Owner = args[i]
		case "NAME":
			if i+1 >= len(args) {
				return filter, 0, 0, errors.New("NAME expects a substring")
			}
			i++
			filter.NameContains = args[i]
		case "ACTIVE":
			filter.ActiveOnly = true
		default:
			number, convErr := strconv.Atoi(args[i])
			if convErr != nil || positional >= 2 {
				return filter, 0, 0, fmt.Errorf("syntax error near %q", args[i])
			}
			if positional == 0 {
				page = number
			} else {
				limit = number
			}
			positional++
		}
	}
	return filter, page, limit, nil
}

func (rh *redisHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch command := strings.ToUpper(cmd.command); command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "CONTAINER":
		if len(cmd.args) != 1 {
			return wrongArguments(command)
		}
		id, err := parseID(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		container, found := rh.engine.GetContainer(ctx, id)
		if !found {
			return writeRedisNil()
		}
		return writeRedisJSON(container)
	case "CONTAINERS":
		filter, page, limit, err := parseListing(cmd.args)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisJSON(rh.engine.ListContainers(ctx, filter, page, limit))
	case "ITEMS":
		if len(cmd.args) != 1 {
			return wrongArguments(command)
		}
		containerID, err := parseID(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisJSON(rh.engine.GetContainerItems(ctx, containerID))
	case "OWNER":
		if len(cmd.args) != 1 {
			return wrongArguments(command)
		}
		return writeRedisJSON(rh.engine.ListItemsByOwner(ctx, cmd.args[0]))
	case "REFRESH":
		if len(cmd.args) != 0 {
			return wrongArguments(command)
		}
		return writeRedisJSON(rh.engine.RefreshDiscovery(ctx))
	case "CLEARCACHE":
		if len(cmd.args) != 0 {
			return wrongArguments(command)
		}
		rh.engine.ClearCache()
		return writeRedisString(RedisOk)
	case "INVALIDATE":
		if len(cmd.args) != 1 {
			return wrongArguments(command)
		}
		removed, err := rh.engine.InvalidateCache(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(removed)
	case "STATS":
		return writeRedisJSON(rh.engine.GetCacheStats())
	case "STATUS":
		return writeRedisJSON(rh.engine.GetSystemStatus(ctx))
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// write sends `output` over `conn`.
func (output redisOutput) write(conn redcon.Conn) {
	switch {
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteBulk(output.writeBulk)
	default:
		conn.WriteString(output.writeString)
	}
	if output.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "error", err)
		}
	}
}

// Serve answers Redis protocol commands on `listener` until `ctx` is done.
func Serve(ctx context.Context, listener net.Listener, engine Engine) error {
	redisHandler, err := newRedisHandler(engine)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServer(listener.Addr().String(),
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			redisHandler.handle(ctx, command).write(conn)
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Redis connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- redisServer.Serve(listener)
		close(serverErrSignal)
	}()
	slog.Info("Serving the Redis protocol.", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		// Closing the listener stops Serve, which then reports the closed listener.
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close the redis listener: %w", err)
		}
		<-serverErrSignal
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}

// RunRedisServer listens on the --address flag and serves `engine` until `ctx` is done.
func RunRedisServer(ctx context.Context, engine Engine) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	listener, err := net.Listen("tcp", *address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *address, err)
	}
	return Serve(ctx, listener, engine)
}
