package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/jackc/pgx/pgtype"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	flags "github.com/thought-machine/go-flags"
	"github.com/thk686/pgclientlib"
)

type options struct {
	Host     string `long:"host" description:"default host for \\t" default:"localhost"`
	Service  string `long:"service" description:"default service or port for \\t" default:"postgresql"`
	User     string `long:"user" description:"default role name for \\s"`
	Database string `long:"database" description:"default database name for \\s"`
	History  string `long:"history" description:"command history file" default:".history"`
	Echo     bool   `short:"e" long:"echo" description:"start with protocol echoing on"`
}

// shell drives a single session from the terminal. All protocol concerns
// stay inside the session; the shell only reads lines and prints.
type shell struct {
	opts     options
	session  *pgclientlib.Session
	logger   *logrus.Logger
	line     *liner.State
	typeInfo *pgtype.ConnInfo
	maxRows  int
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if opts.Echo {
		logger.SetLevel(logrus.DebugLevel)
	}

	session := pgclientlib.NewSession()
	session.SetLogger(logger)
	defer session.Close()

	sh := &shell{
		opts:     opts,
		session:  session,
		logger:   logger,
		line:     liner.NewLiner(),
		typeInfo: pgtype.NewConnInfo(),
		maxRows:  3,
	}
	defer sh.line.Close()
	sh.line.SetCtrlCAborts(true)

	sh.loadHistory()
	sh.run()
	sh.saveHistory()
}

func (sh *shell) run() {
	for {
		line, err := sh.readCommand()
		if err != nil {
			return
		}
		sh.line.AppendHistory(line)

		if strings.HasPrefix(line, `\`) {
			if quit := sh.dispatch(line); quit {
				return
			}
			continue
		}

		if err := sh.session.Query(line); err != nil {
			fmt.Println(err)
			if pgclientlib.IsFatal(err) {
				return
			}
			continue
		}
		sh.printNotifications()
		sh.printRows()
		sh.printNotifications()
	}
}

// readCommand accumulates input until it holds a terminated statement: a
// leading backslash command or a line containing ';'.
func (sh *shell) readCommand() (string, error) {
	var buf string
	for {
		input, err := sh.line.Prompt("> ")
		if err != nil {
			return "", err
		}
		buf += input
		if strings.HasPrefix(buf, `\`) || strings.Contains(buf, ";") {
			return buf, nil
		}
		buf += " "
	}
}

// dispatch runs one backslash command, keyed by its second character.
// Returns true when the shell should exit.
func (sh *shell) dispatch(line string) bool {
	if len(line) < 2 {
		fmt.Println("Unrecognized command")
		return false
	}
	args := strings.Fields(line)[1:]

	var err error
	switch line[1] {
	case 'c':
		port := arg(args, 0, "")
		path := arg(args, 1, "")
		prefix := arg(args, 2, "")
		if err = sh.session.ConnectLocal(port, path, prefix); err == nil {
			fmt.Println("Local connection established")
		}
	case 't':
		host := arg(args, 0, sh.opts.Host)
		service := arg(args, 1, sh.opts.Service)
		if err = sh.session.ConnectTCP(host, service); err == nil {
			fmt.Printf("TCP connection to %s on service or port %s\n", host, service)
		}
	case 's':
		database := arg(args, 0, sh.opts.Database)
		u := arg(args, 1, sh.defaultUser())
		if err = sh.session.Startup(u, database); err == nil {
			if database == "" {
				database = u
			}
			fmt.Printf("Connected to %s as user %s\n", database, u)
		}
	case 'q':
		sh.printNotifications()
		return true
	case 'g':
		sh.printRows()
	case 'f':
		sh.printFields()
	case 'p':
		for k, v := range sh.session.Parameters() {
			fmt.Printf("%s: %s\n", k, v)
		}
	case 'm':
		var n int
		if n, err = strconv.Atoi(arg(args, 0, "10")); err == nil {
			sh.maxRows = n
		}
	case 'r':
		sh.session.ClearRows()
	case 'z':
		err = sh.session.Cancel()
	case 'e':
		if sh.logger.GetLevel() == logrus.DebugLevel {
			sh.logger.SetLevel(logrus.WarnLevel)
			fmt.Println("Protocol echo is off")
		} else {
			sh.logger.SetLevel(logrus.DebugLevel)
			fmt.Println("Protocol echo is on")
		}
	default:
		fmt.Println("Unrecognized command")
	}

	if err != nil {
		fmt.Println(err)
	}
	sh.printNotifications()
	return false
}

func (sh *shell) printRows() {
	if sh.session.QueuedRows() == 0 {
		fmt.Println("No more rows pending")
		return
	}
	for i := 0; i < sh.maxRows && sh.session.QueuedRows() > 0; i++ {
		row, err := sh.session.NextRow()
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Println(strings.Join(row, "\t"))
	}
}

func (sh *shell) printFields() {
	for _, fd := range sh.session.FieldDescriptors() {
		typeName := strconv.Itoa(int(fd.DataTypeOID))
		if dt, ok := sh.typeInfo.DataTypeForOID(pgtype.OID(fd.DataTypeOID)); ok {
			typeName = dt.Name
		}
		fmt.Printf("%s\t%d\t%d\t%s\t%d\t%d\n",
			fd.Name, fd.TableOID, fd.AttributeNumber, typeName, fd.TypeModifier, fd.Format)
	}
}

func (sh *shell) printNotifications() {
	for sh.session.QueuedNotifications() > 0 {
		n, err := sh.session.NextNotification()
		if err != nil {
			return
		}
		fmt.Println(n)
	}
}

func (sh *shell) defaultUser() string {
	if sh.opts.User != "" {
		return sh.opts.User
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func (sh *shell) loadHistory() {
	f, err := os.Open(sh.opts.History)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = sh.line.ReadHistory(f)
}

func (sh *shell) saveHistory() {
	f, err := os.Create(sh.opts.History)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	defer f.Close()
	_, _ = sh.line.WriteHistory(f)
}

func arg(args []string, pos int, fallback string) string {
	if pos >= len(args) || args[pos] == "" {
		return fallback
	}
	return args[pos]
}
