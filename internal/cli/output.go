package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/services/harvest"
)

var (
	headingColor = color.New(color.Bold)
	goodColor    = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	badColor     = color.New(color.FgRed, color.Bold)
)

// Output handles formatting output based on the configured format
type Output struct {
	format string
	out    io.Writer
	errOut io.Writer
}

// NewOutput creates a new Output formatter
func NewOutput(format string, out, errOut io.Writer) *Output {
	return &Output{format: format, out: out, errOut: errOut}
}

// Print outputs data in the configured format
func (o *Output) Print(data any) {
	if o.format == "json" {
		o.printJSON(data)
	} else {
		o.printText(data)
	}
}

// PrintError outputs an error
func (o *Output) PrintError(err error) {
	if o.format == "json" {
		data, _ := json.Marshal(map[string]any{
			"error": map[string]string{"message": err.Error()},
		})
		fmt.Fprintln(o.errOut, string(data))
	} else {
		badColor.Fprint(o.errOut, "Error: ")
		fmt.Fprintln(o.errOut, err)
	}
}

// PrintMessage outputs a simple message
func (o *Output) PrintMessage(msg string) {
	if o.format == "json" {
		data, _ := json.Marshal(map[string]string{"message": msg})
		fmt.Fprintln(o.out, string(data))
	} else {
		fmt.Fprintln(o.out, msg)
	}
}

func (o *Output) printJSON(data any) {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func (o *Output) printText(data any) {
	switch v := data.(type) {
	case *harvest.Summary:
		o.printSummary(v)
	case AliasList:
		o.printAliases(v)
	case ResolveResult:
		o.printResolve(v)
	case NameResult:
		o.printName(v)
	case TokenResult:
		o.printToken(v)
	case HealthResult:
		fmt.Fprintf(o.out, "Status: %s\n", v.Status)
	default:
		// Fallback to JSON for unknown types
		o.printJSON(data)
	}
}

// AliasList is the output of alias list
type AliasList struct {
	MemberID model.MemberID `json:"member_id"`
	Username string         `json:"username"`
	Aliases  []*model.Alias `json:"aliases"`
}

// ResolveResult is the output of alias resolve
type ResolveResult struct {
	Name     string         `json:"name"`
	Key      string         `json:"key"`
	Found    bool           `json:"found"`
	MemberID model.MemberID `json:"member_id,omitempty"`
	Username string         `json:"username,omitempty"`
}

// NameResult is the output of the name commands
type NameResult struct {
	Input      string `json:"input"`
	Comparison string `json:"comparison"`
	Display    string `json:"display"`
	Canonical  string `json:"canonical"`
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason,omitempty"`
}

// TokenResult is the output of token hash
type TokenResult struct {
	Token string `json:"token,omitempty"`
	Hash  string `json:"hash"`
}

// HealthResult response type
type HealthResult struct {
	Status string `json:"status"`
}

func (o *Output) printSummary(s *harvest.Summary) {
	headingColor.Fprintf(o.out, "Harvest %s\n", s.RunID)
	fmt.Fprintf(o.out, "Duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(o.out, "Roster: %d (added %d, updated %d, restored %d)\n", s.Roster, s.Added, s.Updated, s.Restored)

	if s.MemberErrors > 0 {
		badColor.Fprintf(o.out, "Roster entries failed: %d\n", s.MemberErrors)
	}
	switch {
	case s.DeleteSkipped && s.MemberErrors > 0:
		warnColor.Fprintln(o.out, "Deletes skipped: some roster entries failed")
	case s.DeleteSkipped:
		warnColor.Fprintln(o.out, "Deletes skipped: too many members missing from the roster")
	default:
		fmt.Fprintf(o.out, "Deleted: %d\n", s.Deleted)
	}

	fmt.Fprintf(o.out, "Renames: %d, departed: %d\n", s.Renamed, s.Departed)
	if s.Collisions > 0 {
		badColor.Fprintf(o.out, "Rename collisions: %d\n", s.Collisions)
	}

	fmt.Fprintf(o.out, "Snapshots: ")
	goodColor.Fprintf(o.out, "%d saved", s.SnapshotsSaved)
	fmt.Fprintf(o.out, ", %d fresh, %d duplicate, %d rescans", s.SnapshotsFresh, s.SnapshotsDuplicate, s.Rescans)
	if s.SnapshotErrors > 0 {
		badColor.Fprintf(o.out, ", %d failed", s.SnapshotErrors)
	}
	fmt.Fprintln(o.out)

	fmt.Fprintf(o.out, "Messages: ")
	goodColor.Fprintf(o.out, "%d inserted", s.MessagesInserted)
	fmt.Fprintf(o.out, ", %d skipped", s.MessagesSkipped)
	if s.MessageErrors > 0 {
		badColor.Fprintf(o.out, ", %d sources failed", s.MessageErrors)
	}
	fmt.Fprintln(o.out)
}

func (o *Output) printAliases(l AliasList) {
	headingColor.Fprintf(o.out, "Member %d (%s)\n", l.MemberID, l.Username)
	aliases := slices.Clone(l.Aliases)
	slices.SortFunc(aliases, func(a, b *model.Alias) int { return a.FirstSeen.Compare(b.FirstSeen) })
	for _, a := range aliases {
		marker := " "
		if a.IsCurrent {
			marker = goodColor.Sprint("*")
		}
		fmt.Fprintf(o.out, "%s %-24s %-12s %s .. %s\n",
			marker, a.CanonicalName, a.Source,
			a.FirstSeen.Format(time.DateOnly), a.LastSeen.Format(time.DateOnly))
	}
}

func (o *Output) printResolve(r ResolveResult) {
	if !r.Found {
		warnColor.Fprintf(o.out, "%q (%s) is not known\n", r.Name, r.Key)
		return
	}
	fmt.Fprintf(o.out, "%q -> member %d (%s)\n", r.Name, r.MemberID, r.Username)
}

func (o *Output) printName(n NameResult) {
	fmt.Fprintf(o.out, "Input:      %q\n", n.Input)
	fmt.Fprintf(o.out, "Comparison: %s\n", n.Comparison)
	fmt.Fprintf(o.out, "Display:    %s\n", n.Display)
	fmt.Fprintf(o.out, "Canonical:  %s\n", n.Canonical)
	if n.Valid {
		goodColor.Fprintln(o.out, "Valid")
	} else {
		badColor.Fprintf(o.out, "Invalid: %s\n", strings.TrimSpace(n.Reason))
	}
}

func (o *Output) printToken(t TokenResult) {
	if t.Token != "" {
		fmt.Fprintf(o.out, "Token: %s\n", t.Token)
	}
	fmt.Fprintf(o.out, "Hash:  %s\n", t.Hash)
}
