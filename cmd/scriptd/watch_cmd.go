package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/scriptd/internal/tui"
	"github.com/spf13/cobra"
)

var watchStart bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch executions live",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchStart, "start", false, "Start the daemon in the background if it is not running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning() {
		if !watchStart {
			return fmt.Errorf("scriptd daemon not reachable at %s (run 'scriptd serve' or pass --start)", apiAddr)
		}
		fmt.Println("scriptd daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("watch view error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	health, err := CheckHealth()
	return err == nil && health.OK
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	// Detach so the daemon survives the watch view.
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ { // up to 5 seconds
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
