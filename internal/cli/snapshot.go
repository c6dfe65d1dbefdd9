package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"dropgate/internal/claim"
)

func snapshotCmd() *cobra.Command {
	subCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Allowlist snapshot commands",
	}

	var out string
	createCmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Build a merkle snapshot from a list of addresses.",
		Long: "The file is either a JSON array of addresses or {address, maxClaimable} objects, " +
			"or plain text with one \"address[,maxClaimable]\" per line.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshotFromFile(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			data, err := snap.Encode()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), snap.MerkleRoot.Hex())
			return nil
		},
	}
	createCmd.Flags().StringVarP(&out, "out", "o", "", "write the snapshot to this file and print only the root")

	var file string
	proofCmd := &cobra.Command{
		Use:   "proof <address>",
		Short: "Print the merkle proof for one address.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("invalid address %q", args[0])
			}
			snap, err := snapshotFromFile(file)
			if err != nil {
				return err
			}
			found := snap.Find(common.HexToAddress(args[0]))
			if found == nil {
				return fmt.Errorf("%s: %w", args[0], claim.ErrNotAllowlisted)
			}
			return printJSON(cmd.OutOrStdout(), struct {
				MerkleRoot common.Hash `json:"merkleRoot"`
				claim.SnapshotClaim
			}{snap.MerkleRoot, *found})
		},
	}
	proofCmd.Flags().StringVarP(&file, "file", "f", "", "address list or snapshot JSON")
	_ = proofCmd.MarkFlagRequired("file")

	subCmd.AddCommand(createCmd)
	subCmd.AddCommand(proofCmd)
	return subCmd
}

// snapshotFromFile accepts an address list or a snapshot written by
// "snapshot create --out"; the latter is rebuilt from its claims.
func snapshotFromFile(path string) (claim.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return claim.Snapshot{}, err
	}
	inputs, err := parseAddressList(raw)
	if err != nil {
		return claim.Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	entries, err := claim.ParseSnapshotEntries(inputs)
	if err != nil {
		return claim.Snapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return claim.CreateSnapshot(entries)
}

func parseAddressList(raw []byte) ([]claim.SnapshotEntryInput, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return nil, fmt.Errorf("no addresses")
	case trimmed[0] == '[':
		var inputs []claim.SnapshotEntryInput
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, err
		}
		return inputs, nil
	case trimmed[0] == '{':
		var snap struct {
			Claims []claim.SnapshotEntryInput `json:"claims"`
		}
		if err := json.Unmarshal(trimmed, &snap); err != nil {
			return nil, err
		}
		return snap.Claims, nil
	}

	var inputs []claim.SnapshotEntryInput
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		addr, limit, _ := strings.Cut(text, ",")
		in := claim.SnapshotEntryInput{Address: strings.TrimSpace(addr)}
		if limit = strings.TrimSpace(limit); limit != "" {
			in.MaxClaimable = claim.Numberish(limit)
		}
		if in.Address == "" {
			return nil, fmt.Errorf("line %d: missing address", line)
		}
		inputs = append(inputs, in)
	}
	return inputs, sc.Err()
}
