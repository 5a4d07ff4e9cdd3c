package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/mixerkit/goxlr-updater/cmd/goxlr-updater/app/options"
)

// deviceRow mirrors the daemon's device list entry.
type deviceRow struct {
	Family  string `json:"family"`
	Serial  string `json:"serial"`
	Version string `json:"version"`
	Bus     uint8  `json:"bus"`
	Address uint8  `json:"address"`
}

// newDevicesCommand lists the devices a running daemon currently sees.
func newDevicesCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected GoXLR devices reported by the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := fetchDevices(opts.Http.Addr)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				cmd.Println("No devices connected.")
				return nil
			}

			table := uitable.New()
			table.AddRow("FAMILY", "SERIAL", "FIRMWARE", "BUS", "ADDRESS")
			for _, r := range rows {
				table.AddRow(r.Family, r.Serial, r.Version, r.Bus, r.Address)
			}
			cmd.Println(table)
			return nil
		},
	}
}

func fetchDevices(addr string) ([]deviceRow, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/api/devices", addr))
	if err != nil {
		return nil, fmt.Errorf("is the daemon running on %s? %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var rows []deviceRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return rows, nil
}
