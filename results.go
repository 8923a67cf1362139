package pagetap

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Tally counts the assertions recorded so far.
type Tally struct {
	Total  int
	Passed int
	Failed int
}

// Assertion is one recorded test result.
type Assertion struct {
	N           int
	OK          bool
	Description string
}

// ResultSink observes results as they are recorded. Sinks are called on the
// event loop goroutine.
type ResultSink interface {
	RecordAssertion(a Assertion) error
	RecordFinish(t Tally) error
}

var lineBreak = regexp.MustCompile(`\r?\n`)

// aggregator turns assertions into TAP lines.
type aggregator struct {
	out   io.Writer
	tally Tally
	sinks []ResultSink

	okStyle    lipgloss.Style
	notOKStyle lipgloss.Style
	color      bool

	sinkErr func(error)
}

func newAggregator(out io.Writer, color bool) *aggregator {
	a := &aggregator{out: out, color: color}
	if color {
		// out may not be a terminal; colour was asked for explicitly.
		r := lipgloss.NewRenderer(out)
		r.SetColorProfile(termenv.ANSI)
		a.okStyle = r.NewStyle().Foreground(lipgloss.Color("2"))
		a.notOKStyle = r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	}
	return a
}

func (a *aggregator) println(line string) {
	fmt.Fprintln(a.out, line)
}

// record counts one assertion and prints its result line.
func (a *aggregator) record(ok bool, description string) {
	a.tally.Total++
	n := a.tally.Total
	prefix := "ok"
	if ok {
		a.tally.Passed++
		if a.color {
			prefix = a.okStyle.Render(prefix)
		}
	} else {
		a.tally.Failed++
		prefix = "not ok"
		if a.color {
			prefix = a.notOKStyle.Render(prefix)
		}
	}
	a.println(fmt.Sprintf("%s %d - %s", prefix, n, description))

	for _, s := range a.sinks {
		if err := s.RecordAssertion(Assertion{N: n, OK: ok, Description: description}); err != nil && a.sinkErr != nil {
			a.sinkErr(err)
		}
	}
}

// recordCompare is record plus a Got/Expected block when ok is false.
func (a *aggregator) recordCompare(ok bool, description string, got, expected any) {
	a.record(ok, description)
	if !ok {
		a.diag("Got: "+jsString(got)+"\nExpected: "+jsString(expected), 1)
	}
}

// diag prints msg as TAP comment lines indented by indent tabs.
func (a *aggregator) diag(msg string, indent int) {
	tabs := strings.Repeat("\t", indent)
	for _, line := range lineBreak.Split(msg, -1) {
		a.println("# " + tabs + line)
	}
}

// finish prints the plan line and returns the exit status.
func (a *aggregator) finish() int {
	status := ExitPass
	if a.tally.Total == 0 {
		a.println("1..0")
		a.diag("No tests run!", 0)
	} else {
		a.println(fmt.Sprintf("1..%d", a.tally.Total))
		if a.tally.Failed > 0 {
			plural := "s"
			if a.tally.Failed == 1 {
				plural = ""
			}
			a.diag(fmt.Sprintf("Looks like you failed %d test%s of %d.", a.tally.Failed, plural, a.tally.Total), 0)
			status = ExitFail
		}
	}
	for _, s := range a.sinks {
		if err := s.RecordFinish(a.tally); err != nil && a.sinkErr != nil {
			a.sinkErr(err)
		}
	}
	return status
}
