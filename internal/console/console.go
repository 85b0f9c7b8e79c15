// Package console is the interactive operator interface on the Pi's
// terminal: coordinate prompts at startup and a small command loop for
// overriding and inspecting the relay.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	appLog "sunrelay/internal/log"
	"sunrelay/internal/model"
	"sunrelay/internal/schedule"
)

const (
	rule     = "---------------------------------"
	longRule = "-----------------------------------"
	wideRule = "----------------------------------------------------"
	errRule  = "***************************************************"

	timeLayout = time.UnixDate
)

// ErrQuit is returned by Run when the operator asks to exit.
var ErrQuit = errors.New("console: quit requested")

// Controller is what the command loop drives. *schedule.Scheduler
// satisfies it.
type Controller interface {
	Override(on bool) error
	Status() schedule.Status
	Now() time.Time
}

// Welcome prints the startup banner.
func Welcome(w io.Writer) {
	fmt.Fprint(w, "\n\n\n\n")
	fmt.Fprintln(w, wideRule)
	fmt.Fprintln(w, "     Welcome to Sunrise/Sunset Power Controller     ")
	fmt.Fprintln(w, wideRule)
	fmt.Fprintln(w)
}

// Menu prints the list of commands.
func Menu(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, wideRule)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "COMMAND OPTIONS:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  'on'      to force power controller to ON state")
	fmt.Fprintln(w, "  'off'     to force power controller to OFF state")
	fmt.Fprintln(w, "  'status'  to see current power controller state")
	fmt.Fprintln(w, "  'sunrise' to display sunrise time.")
	fmt.Fprintln(w, "  'sunset'  to display sunset time.")
	fmt.Fprintln(w, "  'next'    to display next scheduled event.")
	fmt.Fprintln(w, "  'time'    to display current time.")
	fmt.Fprintln(w, "  'coord'   to display longitude and latitude.")
	fmt.Fprintln(w, "  'help'    to display this menu.")
	fmt.Fprintln(w, "  'exit'    to switch the power off and terminate.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PRESS 'CTRL-C' TO TERMINATE")
	fmt.Fprintln(w)
	fmt.Fprintln(w, wideRule)
	fmt.Fprintln(w)
}

func banner(w io.Writer, bar string, lines ...string) {
	fmt.Fprintln(w, bar)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintln(w, bar)
}

// PromptFloat asks for label until the operator enters a number that
// validate accepts. It only gives up when in is exhausted.
func PromptFloat(in *bufio.Reader, w io.Writer, label string, validate func(float64) error) (float64, error) {
	for {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Please enter the %s (in degrees) for your location:\n", label)

		line, err := in.ReadString('\n')
		if line == "" && err != nil {
			return 0, fmt.Errorf("console: reading %s: %w", label, err)
		}

		v, perr := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if perr == nil && validate != nil {
			perr = validate(v)
		}
		if perr == nil {
			return v, nil
		}
		appLog.Debug("rejected console entry", "label", label, "input", strings.TrimSpace(line))
		banner(w, errRule, fmt.Sprintf("[ERROR] Invalid %s entry.  Please try again.", label))
		if err != nil {
			return 0, fmt.Errorf("console: reading %s: %w", label, err)
		}
	}
}

// PromptCoordinate asks for whichever of latitude and longitude is nil,
// latitude first. Values already known are used as they are.
func PromptCoordinate(in *bufio.Reader, w io.Writer, lat, lon *float64) (model.Coordinate, error) {
	var c model.Coordinate
	var err error

	if lat != nil {
		c.Latitude = *lat
	} else {
		c.Latitude, err = PromptFloat(in, w, "latitude", func(v float64) error {
			return model.Coordinate{Latitude: v}.Validate()
		})
		if err != nil {
			return c, err
		}
	}

	if lon != nil {
		c.Longitude = *lon
	} else {
		c.Longitude, err = PromptFloat(in, w, "longitude", func(v float64) error {
			return model.Coordinate{Longitude: v}.Validate()
		})
		if err != nil {
			return c, err
		}
	}
	return c, nil
}

// Run reads commands from in until ctx is done, in is exhausted (nil) or
// the operator types exit (ErrQuit). Command words are case-insensitive.
func Run(ctx context.Context, in io.Reader, w io.Writer, ctl Controller) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	Menu(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := dispatch(w, ctl, line); quit {
				return ErrQuit
			}
		}
	}
}

func dispatch(w io.Writer, ctl Controller, line string) (quit bool) {
	cmd := strings.ToLower(strings.TrimSpace(line))
	switch cmd {
	case "":
	case "on", "off":
		on := cmd == "on"
		if err := ctl.Override(on); err != nil {
			banner(w, rule, "[ERROR] "+err.Error())
			return false
		}
		banner(w, rule, "[OVERRIDE] POWER STATE "+strings.ToUpper(cmd))
	case "status":
		state := "OFF"
		if ctl.Status().PowerOn {
			state = "ON"
		}
		banner(w, rule, "[STATUS] POWER STATE IS : "+state)
	case "time":
		banner(w, rule, "[CURRENT TIME] ", ctl.Now().Format(timeLayout))
	case "sunrise":
		banner(w, rule, "[NEXT SUNRISE] ", " @ "+formatEvent(ctl.Status().Decision.NextSunrise))
	case "sunset":
		banner(w, rule, "[NEXT SUNSET] ", " @ "+formatEvent(ctl.Status().Decision.NextSunset))
	case "coord":
		st := ctl.Status()
		banner(w, rule,
			fmt.Sprintf("[LONGITUDE] = %v", st.Coordinate.Longitude),
			fmt.Sprintf("[LATITUDE]  = %v", st.Coordinate.Latitude))
	case "next":
		next(w, ctl.Status())
	case "help":
		Menu(w)
	case "exit", "quit":
		banner(w, rule, "[EXIT] POWER STATE OFF")
		return true
	default:
		banner(w, rule, "[INVALID COMMAND ENTRY]")
	}
	return false
}

func next(w io.Writer, st schedule.Status) {
	if !st.Armed {
		banner(w, longRule, "[NEXT EVENT] NONE", "  no sunrise within a year; retrying")
		return
	}
	var title string
	switch st.Decision.Kind {
	case schedule.SunriseToday:
		title = "[NEXT EVENT] SUNRISE TODAY"
	case schedule.SunsetToday:
		title = "[NEXT EVENT] SUNSET TODAY"
	case schedule.SunriseTomorrow:
		title = "[NEXT EVENT] SUNRISE TOMORROW"
	}
	banner(w, longRule, title, "  @ "+formatEvent(st.Decision.At))
}

func formatEvent(t time.Time) string {
	if t.IsZero() {
		return "none within a year"
	}
	return t.Format(timeLayout)
}
