package command

import (
	"errors"
	"fmt"
	"strings"
)

type Op string

const (
	Put     Op = "put"
	Get     Op = "get"
	Keyword Op = "keyword"
	Quit    Op = "quit"
)

var (
	ErrUnknownCommand = errors.New("invalid command")
	ErrUsage          = errors.New("wrong number of arguments")
)

// arity is the number of space separated tokens including the command itself.
var arity = map[Op]int{
	Put:     2,
	Get:     2,
	Keyword: 3,
	Quit:    1,
}

var usage = map[Op]string{
	Put:     "put <file>",
	Get:     "get <file>",
	Keyword: "keyword <word> <file>",
	Quit:    "quit",
}

// Replies sent back by the server.
const (
	ReplyFound    = "True"
	ReplyNotFound = "False"
	ReplyEmpty    = "Empty"
	ReplyUploaded = "File uploaded."
	ReplyError    = "Error: "
)

// Replies to get on the stream transport.
const (
	ReplyOK         = "OK"
	ReplyNoSuchFile = "NOTFOUND"
)

type Command struct {
	Op   Op
	Args []string
}

// ParseOp recognizes a command token as sent on the wire.
func ParseOp(token string) (Op, error) {
	op := Op(token)
	if _, ok := arity[op]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, token)
	}
	return op, nil
}

// Parse splits a command line on single spaces. The token count must match
// the command exactly.
func Parse(line string) (Command, error) {
	tokens := strings.Split(strings.TrimRight(line, "\r\n"), " ")
	op, err := ParseOp(tokens[0])
	if err != nil {
		return Command{}, err
	}
	if len(tokens) != arity[op] {
		return Command{}, fmt.Errorf("%w: usage: %s", ErrUsage, usage[op])
	}
	for _, arg := range tokens[1:] {
		if arg == "" {
			return Command{}, fmt.Errorf("%w: usage: %s", ErrUsage, usage[op])
		}
	}
	return Command{Op: op, Args: tokens[1:]}, nil
}

// Arity is the token count of op including the command itself.
func Arity(op Op) int {
	return arity[op]
}

func Usage(op Op) string {
	return usage[op]
}

func (c Command) String() string {
	return strings.Join(append([]string{string(c.Op)}, c.Args...), " ")
}
