/*Package interact is the operator-facing console used during calibration:
blocking acknowledgements for physical steps (move the meter, block the
beam), validated manual power entry, and a spinner for the phases where the
program is busy and the operator should not touch anything.
*/
package interact

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/theckman/yacspin"
)

// Console prompts on out and reads replies from in
type Console struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsole returns a Console over the given streams; pass os.Stdin and
// os.Stdout for interactive use
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// Ack prints msg and blocks until the operator presses enter
func (c *Console) Ack(msg string) error {
	fmt.Fprintln(c.out, msg)
	_, err := c.in.ReadString('\n')
	return err
}

// ReadPower asks for a power value in mW and re-prompts until the operator
// types a non-negative number
func (c *Console) ReadPower() (float64, error) {
	for {
		fmt.Fprint(c.out, "power (mW): ")
		line, err := c.in.ReadString('\n')
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			fmt.Fprintln(c.out, "not a number, try again")
			continue
		}
		if v < 0 {
			fmt.Fprintln(c.out, "power cannot be negative, try again")
			continue
		}
		return v, nil
	}
}

// Spin shows a spinner with msg until the returned stop function is called.
// If the spinner cannot start (e.g. not a terminal) it degrades to a plain
// printed line.
func (c *Console) Spin(msg string) func() {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " " + msg,
		SuffixAutoColon: false,
		Writer:          c.out,
	}
	s, err := yacspin.New(cfg)
	if err == nil {
		err = s.Start()
	}
	if err != nil {
		fmt.Fprintln(c.out, msg+"...")
		return func() {}
	}
	return func() { s.Stop() }
}
