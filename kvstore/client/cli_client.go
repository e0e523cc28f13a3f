package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/sushantsondhi/raftcore/common"
	"github.com/sushantsondhi/raftcore/kvstore"
	"go.uber.org/multierr"
)

// RunCliClient method starts a simple REPL program
// using the kvstore library.
func RunCliClient(servers []common.Server, manager common.RPCManager, in io.Reader, out io.Writer) (err error) {
	store, err := kvstore.NewKeyValStore(servers, manager)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, manager.Stop())
	}()
	fmt.Fprintln(out, "<<<< KV Store Using Raft >>>>")
	fmt.Fprintln(out, "Available commands: ")
	fmt.Fprintln(out, "\t GET <key>")
	fmt.Fprintln(out, "\t SET <key> <val>")
	fmt.Fprintln(out, "\t DELETE <key>")
	fmt.Fprintln(out, "\t STATUS")
	fmt.Fprintf(out, "\n\n")
	return Repl(store, in, out)
}

// Repl reads commands from in until it is exhausted.
func Repl(store *kvstore.KVStore, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "$ ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch command, args := strings.ToUpper(fields[0]), fields[1:]; {
		case command == "GET" && len(args) == 1:
			_, val, err := store.Get(args[0])
			if err != nil {
				fmt.Fprintln(out, err)
			} else {
				fmt.Fprintf(out, "%s = %s, OK\n", args[0], val)
			}
		case command == "SET" && len(args) == 2:
			if _, err := store.Set(args[0], args[1]); err != nil {
				fmt.Fprintln(out, err)
			} else {
				fmt.Fprintf(out, "%s = %s, OK\n", args[0], args[1])
			}
		case command == "DELETE" && len(args) == 1:
			if _, err := store.Delete(args[0]); err != nil {
				fmt.Fprintln(out, err)
			} else {
				fmt.Fprintf(out, "%s deleted, OK\n", args[0])
			}
		case command == "STATUS" && len(args) == 0:
			statuses, err := store.Status()
			for _, st := range statuses {
				fmt.Fprintf(out, "server %d: %s term=%d commit=%d applied=%d leader=%d healthy=%t\n",
					st.ID, st.State, st.Term, st.CommitIndex, st.LastApplied, st.LeaderID, st.Healthy)
			}
			for _, e := range multierr.Errors(err) {
				fmt.Fprintln(out, e)
			}
		default:
			fmt.Fprintln(out, "Incorrect command")
		}
	}
}
