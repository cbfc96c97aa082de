// Command twcmasterd runs the TWC master controller: it owns the RS-485
// link, tracks connected slaves, and allocates available current between
// them.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/timcantryn/TWCManager/twcclock"
	"github.com/timcantryn/TWCManager/twcframe"
	"github.com/timcantryn/TWCManager/twcmaster"
	"github.com/timcantryn/TWCManager/twcmessage"
	"github.com/timcantryn/TWCManager/twcpower"
	"github.com/timcantryn/TWCManager/twcslave"
	"github.com/timcantryn/TWCManager/twcstatus"
)

var (
	serialPort       string
	ownIDFlag        uint16
	ownSignFlag      uint8
	wiringCapA       int
	listenMode       bool
	slaveMode        bool
	statusAddr       string
	overrideFilePath string
	solarCommand     string
)

var rootCmd = &cobra.Command{
	Use:   "twcmasterd",
	Short: "Tesla Wall Connector RS-485 load-sharing controller",
	Long: `twcmasterd speaks the TWC RS-485 master/slave protocol to share available
current across a small fleet of Wall Connectors.

In the default mode it acts as the bus master: it beacons linkready frames
on startup, round-robins heartbeats to every slave it discovers, and
computes each slave's permitted current from the configured wiring limit
and an optional solar/override power source.

With --slave it instead impersonates a single Wall Connector, for
exercising a master under test without real charging hardware.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&serialPort, "port", "/dev/ttyUSB0", "RS-485 serial device")
	rootCmd.Flags().Uint16Var(&ownIDFlag, "id", 0x7777, "this controller's TWC address")
	rootCmd.Flags().Uint8Var(&ownSignFlag, "sign", 0x77, "this controller's sign byte")
	rootCmd.Flags().IntVar(&wiringCapA, "wiring-cap", 60, "hard wiring limit, in amps, shared across all slaves")
	rootCmd.Flags().BoolVar(&listenMode, "listen", false, "open the link read-only: log frames instead of writing them to the wire")
	rootCmd.Flags().BoolVar(&slaveMode, "slave", false, "impersonate a single slave instead of acting as master")
	rootCmd.Flags().StringVar(&statusAddr, "status-addr", "", "if set, serve a diagnostic GET /status on this address (e.g. :8080)")
	rootCmd.Flags().StringVar(&overrideFilePath, "override-file", "overrideMaxAmps.txt", "path checked each poll for a manual current override")
	rootCmd.Flags().StringVar(&solarCommand, "solar-command", "", "external command to invoke for solar production data (space-separated argv)")
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		glog.Errorf("twcmasterd: %v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	clock := twcclock.System{}

	transport, err := twcframe.Open(twcframe.DefaultConfig(serialPort), clock, listenMode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", serialPort, err)
	}
	defer transport.Close()

	ownID := twcmessage.TwcId{byte(ownIDFlag >> 8), byte(ownIDFlag)}
	ownSign := twcmessage.Sign(ownSignFlag)

	if slaveMode {
		return runSlave(transport, clock, ownID, ownSign)
	}
	return runMaster(transport, clock, ownID, ownSign)
}

func runMaster(transport *twcframe.Transport, clock twcclock.Clock, ownID twcmessage.TwcId, ownSign twcmessage.Sign) error {
	maybePromptInitialOverride()

	var power twcmaster.PowerSource
	if overrideFilePath != "" || solarCommand != "" {
		var runner twcpower.Runner
		if solarCommand != "" {
			runner = twcpower.ExecRunner{Argv: splitArgv(solarCommand)}
		}
		power = &twcpower.Source{OverrideFilePath: overrideFilePath, Runner: runner, Clock: clock}
	}

	var store *twcstatus.Store
	if statusAddr != "" {
		store = twcstatus.NewStore()
		go func() {
			glog.Infof("twcmasterd: serving diagnostic status on %s", statusAddr)
			if err := twcstatus.ListenAndServe(statusAddr, store); err != nil {
				glog.Errorf("twcmasterd: status server: %v", err)
			}
		}()
	}

	m := twcmaster.New(twcmaster.Config{
		OwnID:              ownID,
		OwnSign:            ownSign,
		WiringCapA:         int32(wiringCapA),
		InitialGlobalCapCA: 1,
	}, transport, clock, power, store)

	glog.Infof("twcmasterd: master started, own id %s, wiring cap %dA, port %s", ownID, wiringCapA, serialPort)
	for {
		m.Tick()
	}
}

func runSlave(transport *twcframe.Transport, clock twcclock.Clock, ownID twcmessage.TwcId, ownSign twcmessage.Sign) error {
	s := twcslave.New(transport, clock, ownID, ownSign, int64(ownIDFlag))
	glog.Infof("twcmasterd: slave simulator started, own id %s, port %s", ownID, serialPort)
	for {
		s.Tick()
	}
}

// maybePromptInitialOverride offers a one-time interactive prompt for the
// starting current cap when no override file exists yet and stdin is an
// interactive terminal (not piped or redirected). It writes whatever the
// operator enters to overrideFilePath so twcpower's normal file-precedence
// path picks it up on the first poll; a blank answer or a non-terminal
// stdin skips the prompt entirely and leaves the cap to whatever twcpower
// resolves on its own.
func maybePromptInitialOverride() {
	if overrideFilePath == "" {
		return
	}
	if _, err := os.Stat(overrideFilePath); err == nil {
		return
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	fmt.Printf("No %s found. Enter a starting current cap in amps (blank to skip): ", overrideFilePath)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	amps, err := strconv.Atoi(line)
	if err != nil || amps < 0 {
		glog.Warningf("twcmasterd: ignoring invalid startup override %q", line)
		return
	}
	if err := os.WriteFile(overrideFilePath, []byte(strconv.Itoa(amps*100)+"\n"), 0644); err != nil {
		glog.Warningf("twcmasterd: writing %s: %v", overrideFilePath, err)
	}
}

// splitArgv does a minimal whitespace split; the solar command is expected
// to be a simple argv with no quoting, matching how the teacher's own
// flag-configured external commands were invoked.
func splitArgv(s string) []string {
	var argv []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				argv = append(argv, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		argv = append(argv, s[start:])
	}
	return argv
}
