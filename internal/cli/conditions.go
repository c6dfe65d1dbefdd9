package cli

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"dropgate/internal/app"
	"dropgate/internal/claim"
)

func parseTokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

func conditionsCmd() *cobra.Command {
	subCmd := &cobra.Command{
		Use:   "conditions",
		Short: "Read claim conditions from the drop contract",
	}

	var token string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "List every claim phase of a token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := parseTokenID(token)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(svc *app.Services) error {
				all, err := svc.Conditions.GetAll(cmd.Context(), tokenID)
				if err != nil {
					return err
				}
				if all == nil {
					all = []claim.ClaimCondition{}
				}
				return printJSON(cmd.OutOrStdout(), all)
			})
		},
	}
	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "Show the claim phase that is active now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := parseTokenID(token)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(svc *app.Services) error {
				active, err := svc.Conditions.GetActive(cmd.Context(), tokenID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), active)
			})
		},
	}
	subCmd.PersistentFlags().StringVarP(&token, "token", "t", "0", "token id")

	subCmd.AddCommand(getCmd)
	subCmd.AddCommand(activeCmd)
	return subCmd
}

func eligibilityCmd() *cobra.Command {
	var token, address, quantity string
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "Explain why an address can or cannot claim.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := parseTokenID(token)
			if err != nil {
				return err
			}
			var addr common.Address
			if address != "" {
				if !common.IsHexAddress(address) {
					return fmt.Errorf("invalid address %q", address)
				}
				addr = common.HexToAddress(address)
			}
			qty, err := claim.ParseQuantity(claim.Numberish(quantity), big.NewInt(1))
			if err != nil {
				return fmt.Errorf("quantity: %w", err)
			}
			return withServices(cmd.Context(), func(svc *app.Services) error {
				reasons, err := svc.Conditions.GetClaimIneligibilityReasons(cmd.Context(), tokenID, qty, addr)
				if err != nil {
					return err
				}
				if len(reasons) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s can claim %s of token %s\n", addr.Hex(), qty, tokenID)
					return nil
				}
				for _, r := range reasons {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r, r.Message())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&token, "token", "t", "0", "token id")
	cmd.Flags().StringVarP(&address, "address", "a", "", "claimer address")
	cmd.Flags().StringVarP(&quantity, "quantity", "q", "1", "quantity to claim")
	return cmd
}
