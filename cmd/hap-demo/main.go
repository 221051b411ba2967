package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cvsouth/hap-go/accessory"
	"github.com/cvsouth/hap-go/hap"
	"github.com/cvsouth/hap-go/mdns"
	"github.com/cvsouth/hap-go/pairing"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", ":5556", "address to listen on")
	storePath := flag.String("store", "hap-demo-store.json", "path to the pairing/identity store file")
	setupCode := flag.String("setup-code", "", "fixed SRP setup code (XXX-XX-XXX); random if empty")
	allowReset := flag.Bool("allow-reset", false, "enable the debug POST /reset endpoint")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fmt.Printf("=== hap-go demo accessory %s ===\n", Version)

	store := openStore(*storePath, logger)
	lightbulb := newLightbulbAccessory(1)

	srv, err := hap.New(hap.Config{
		Accessories: []*accessory.Accessory{lightbulb},
		Store:       store,
		Addr:        *addr,
		SetupCode:   *setupCode,
		SetupCodeCallback: func(code string) {
			fmt.Printf("Setup code: %s\n", code)
		},
		Category:     mdns.CategoryLightbulb,
		ConfigNumber: 1,
		AllowReset:   *allowReset,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct server: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
	}()

	fmt.Printf("Listening on %s\n", *addr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(path string, logger *slog.Logger) *pairing.FileStore {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	store, err := pairing.NewFileStore(abs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open pairing store at %s: %v\n", abs, err)
		os.Exit(1)
	}
	logger.Info("pairing store ready", "path", abs)
	return store
}

// newLightbulbAccessory builds a single dimmable lightbulb accessory, the
// canonical minimal HAP demo: AccessoryInformation plus a Lightbulb
// service with On and Brightness characteristics.
func newLightbulbAccessory(aid uint64) *accessory.Accessory {
	on := false
	brightness := float64(100)

	info := &accessory.Service{
		IID:  1,
		Type: accessory.TypeAccessoryInformation,
		Characteristics: []*accessory.Characteristic{
			accessory.NewCharacteristic(2, accessory.TypeIdentify, accessory.FormatBool,
				accessory.PermissionPairedWrite,
				accessory.Callback(nil, func(interface{}) error {
					fmt.Println("identify requested")
					return nil
				}), accessory.Constraints{}),
			accessory.NewCharacteristic(3, accessory.TypeName, accessory.FormatString,
				accessory.PermissionPairedRead, accessory.StaticValue("Demo Lightbulb"), accessory.Constraints{}),
			accessory.NewCharacteristic(4, "00000030-0000-1000-8000-0026BB765291", accessory.FormatString,
				accessory.PermissionPairedRead, accessory.StaticValue("hap-go"), accessory.Constraints{}),
			accessory.NewCharacteristic(5, "00000021-0000-1000-8000-0026BB765291", accessory.FormatString,
				accessory.PermissionPairedRead, accessory.StaticValue("lightbulb-demo"), accessory.Constraints{}),
			accessory.NewCharacteristic(6, "00000020-0000-1000-8000-0026BB765291", accessory.FormatString,
				accessory.PermissionPairedRead, accessory.StaticValue("hap-go"), accessory.Constraints{}),
			accessory.NewCharacteristic(7, "00000052-0000-1000-8000-0026BB765291", accessory.FormatString,
				accessory.PermissionPairedRead, accessory.StaticValue("000-000-001"), accessory.Constraints{}),
		},
	}

	bulb := &accessory.Service{
		IID:     10,
		Type:    "00000043-0000-1000-8000-0026BB765291",
		Primary: true,
		Characteristics: []*accessory.Characteristic{
			accessory.NewCharacteristic(11, "00000025-0000-1000-8000-0026BB765291", accessory.FormatBool,
				accessory.PermissionPairedRead|accessory.PermissionPairedWrite|accessory.PermissionNotify,
				accessory.Callback(
					func() (interface{}, error) { return on, nil },
					func(v interface{}) error {
						b, _ := v.(bool)
						on = b
						fmt.Printf("bulb on=%v\n", on)
						return nil
					},
				), accessory.Constraints{}),
			accessory.NewCharacteristic(12, "00000008-0000-1000-8000-0026BB765291", accessory.FormatInt,
				accessory.PermissionPairedRead|accessory.PermissionPairedWrite|accessory.PermissionNotify,
				accessory.Callback(
					func() (interface{}, error) { return brightness, nil },
					func(v interface{}) error {
						f, _ := v.(float64)
						brightness = f
						fmt.Printf("bulb brightness=%v\n", brightness)
						return nil
					},
				), accessory.Constraints{MinValue: f64(0), MaxValue: f64(100)}),
		},
	}

	return &accessory.Accessory{AID: aid, Services: []*accessory.Service{info, bulb}}
}

func f64(v float64) *float64 { return &v }
