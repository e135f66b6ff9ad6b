package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/phonemirror/go-adb-relay/adb"
	"github.com/phonemirror/go-adb-relay/devicemgmt"
	"github.com/phonemirror/go-adb-relay/restapi"
)

const version = "local-build"

// JSONdisabled enables or disables output in JSON format
var JSONdisabled = false

func main() {
	Main()
}

// Main exports main for testing
func Main() {
	usage := fmt.Sprintf(`go-adb-relay %s

Usage:
  adbrelay serve [options]
  adbrelay list [options]
  adbrelay version
  adbrelay -h | --help

Options:
  -v --verbose              Enable debug logging.
  -t --trace                Enable trace logging (dump every message).
  --nojson                  Use human readable output instead of JSON.
  --control-base=<port>     First control-plane port [default: 6000].
  --media-base=<port>       First media-plane port [default: 7000].
  --callback-host=<host>    Address of this host as reachable from the devices [default: 127.0.0.1].
  --debug-dest=<dest>       Device endpoint relayed on the control port [default: tcp:5555].
  --poll=<seconds>          Re-enumeration interval [default: 5].
  --timeout=<seconds>       Upstream resolution timeout [default: 10].
  --companion-jar=<path>    Local scrcpy-server build to push [default: scrcpy-server.jar].
  --companion-version=<v>   Companion version passed on launch [default: 3.3.1].
  --api-port=<port>         Serve the status REST API on this port.
  -h --help                 Show this screen.

The commands work as following:
   adbrelay serve [options]    Enumerates devices through the local adb server and exposes a control
                               and a media TCP port per device. Control ports relay the device's
                               native debug endpoint, media ports relay the mirroring stream of the
                               companion server, which is pushed and launched on demand.
   adbrelay list [options]     Prints the devices currently reported by the adb server.
   adbrelay version            Prints the version.

The adb server address defaults to tcp://127.0.0.1:5037 and can be overridden
with the ADB_SERVER_SOCKET environment variable.
  `, version)
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}

	disableJSON, _ := arguments.Bool("--nojson")
	if disableJSON {
		JSONdisabled = true
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	traceLevelEnabled, _ := arguments.Bool("--trace")
	if traceLevelEnabled {
		log.Info("Set Trace mode")
		log.SetLevel(log.TraceLevel)
	} else {
		verboseLoggingEnabled, _ := arguments.Bool("--verbose")
		if verboseLoggingEnabled {
			log.Info("Set Debug mode")
			log.SetLevel(log.DebugLevel)
		}
	}

	if versionCommand, _ := arguments.Bool("version"); versionCommand {
		printVersion()
		return
	}
	if listCommand, _ := arguments.Bool("list"); listCommand {
		printDeviceList()
		return
	}
	if serveCommand, _ := arguments.Bool("serve"); serveCommand {
		serve(arguments)
	}
}

func serve(arguments docopt.Opts) {
	cfg := devicemgmt.Config{}
	cfg.ControlBase = intOption(arguments, "--control-base")
	cfg.MediaBase = intOption(arguments, "--media-base")
	cfg.CallbackHost, _ = arguments.String("--callback-host")
	cfg.DebugDestination, _ = arguments.String("--debug-dest")
	cfg.PollInterval = time.Duration(intOption(arguments, "--poll")) * time.Second
	cfg.ResolveTimeout = time.Duration(intOption(arguments, "--timeout")) * time.Second
	cfg.CompanionJar, _ = arguments.String("--companion-jar")
	cfg.CompanionVersion, _ = arguments.String("--companion-version")

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("shutting down")
		cancel()
	}()

	manager := devicemgmt.New(adb.NewClient(), cfg)
	if apiPort, err := arguments.Int("--api-port"); err == nil && apiPort > 0 {
		go func() {
			if err := restapi.Serve(ctx, manager, apiPort); err != nil {
				log.Errorf("status api failed: %v", err)
			}
		}()
	}
	if err := manager.Run(ctx, os.Stdout); err != nil {
		log.Fatalf("relay failed: %v", err)
	}
}

func printDeviceList() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	devices, err := adb.NewClient().Devices(ctx)
	if err != nil {
		log.Fatalf("could not list devices: %v", err)
	}
	if JSONdisabled {
		for _, device := range devices {
			fmt.Println(device.Serial)
		}
		return
	}
	fmt.Println(convertToJSONString(devices))
}

func printVersion() {
	versionMap := map[string]interface{}{
		"version": version,
	}
	if JSONdisabled {
		fmt.Println(version)
	} else {
		fmt.Println(convertToJSONString(versionMap))
	}
}

func intOption(arguments docopt.Opts, key string) int {
	value, err := arguments.Int(key)
	if err != nil {
		log.Fatalf("option %s needs a number: %v", key, err)
	}
	return value
}

func convertToJSONString(data interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		log.Fatalf("Error converting to JSON: %v", err)
	}
	return string(b)
}
