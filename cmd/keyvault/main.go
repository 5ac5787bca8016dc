package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-sidechain-worker/api/clients"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/keyvault"
	"github.com/urfave/cli/v2"
)

var flagWorker *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:  "worker",
	Value: cli.NewStringSlice("http://127.0.0.1:8080"),
	Usage: "Worker address; repeat to spread shares over several workers",
}
var flagOwnerKey *cli.StringFlag = &cli.StringFlag{
	Name:  "owner-key-file",
	Value: "owner.key",
	Usage: "Path to the hex encoded owner private key",
}
var flagNftID *cli.UintFlag = &cli.UintFlag{
	Name:     "nft-id",
	Required: true,
	Usage:    "NFT the secret belongs to",
}
var flagSecretFile *cli.StringFlag = &cli.StringFlag{
	Name:  "secret-file",
	Value: "secret.bin",
	Usage: "Path to the secret to split, or to write the recovered secret to",
}
var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "Number of shares needed to recover the secret",
}

func loadOwnerKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(cCtx.String(flagOwnerKey.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to load owner key: %w", err)
	}
	return key, nil
}

func ownerClients(cCtx *cli.Context) ([]*clients.KeyVaultClient, error) {
	key, err := loadOwnerKey(cCtx)
	if err != nil {
		return nil, err
	}
	workers := cCtx.StringSlice(flagWorker.Name)
	vaults := make([]*clients.KeyVaultClient, len(workers))
	for i, addr := range workers {
		vaults[i] = clients.NewKeyVaultClient(addr, key)
	}
	return vaults, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	app := &cli.App{
		Name:           "keyvault client",
		Usage:          "Split NFT secrets over worker key vaults and recover them",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the status of every worker",
				Flags: []cli.Flag{flagWorker},
				Action: func(cCtx *cli.Context) error {
					for _, addr := range cCtx.StringSlice(flagWorker.Name) {
						// Status is not signed, any key will do.
						key, err := crypto.GenerateKey()
						if err != nil {
							return err
						}
						status, err := clients.NewKeyVaultClient(addr, key).Status(cCtx.Context)
						if err != nil {
							return fmt.Errorf("%s: %w", addr, err)
						}
						if err := printJSON(status); err != nil {
							return err
						}
					}
					return nil
				},
			},
			{
				Name:  "generate-owner",
				Usage: "Generate an owner key and print its account",
				Flags: []cli.Flag{flagOwnerKey},
				Action: func(cCtx *cli.Context) error {
					key, err := crypto.GenerateKey()
					if err != nil {
						return fmt.Errorf("failed to generate owner key: %w", err)
					}
					if err := crypto.SaveECDSA(cCtx.String(flagOwnerKey.Name), key); err != nil {
						return err
					}
					fmt.Println(attestation.AccountFromPubkey(&key.PublicKey))
					return nil
				},
			},
			{
				Name:  "split",
				Usage: "Split a secret and provision one share to each worker",
				Flags: []cli.Flag{flagWorker, flagOwnerKey, flagNftID, flagSecretFile, flagThreshold},
				Action: func(cCtx *cli.Context) error {
					vaults, err := ownerClients(cCtx)
					if err != nil {
						return err
					}
					secret, err := os.ReadFile(cCtx.String(flagSecretFile.Name))
					if err != nil {
						return err
					}

					shares, err := keyvault.SplitSecret(secret, len(vaults), cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}

					id := interfaces.ResourceId(cCtx.Uint(flagNftID.Name))
					for i, vault := range vaults {
						if err := vault.Provision(cCtx.Context, id, shares[i]); err != nil {
							return fmt.Errorf("share %d: %w", i, err)
						}
					}
					log.Printf("provisioned %d shares of nft %d for %s", len(shares), id, vaults[0].Owner())
					return nil
				},
			},
			{
				Name:  "check",
				Usage: "Check which workers hold a share",
				Flags: []cli.Flag{flagWorker, flagOwnerKey, flagNftID},
				Action: func(cCtx *cli.Context) error {
					vaults, err := ownerClients(cCtx)
					if err != nil {
						return err
					}
					id := interfaces.ResourceId(cCtx.Uint(flagNftID.Name))
					workers := cCtx.StringSlice(flagWorker.Name)
					for i, vault := range vaults {
						exists, err := vault.Check(cCtx.Context, id)
						if err != nil {
							return fmt.Errorf("%s: %w", workers[i], err)
						}
						fmt.Printf("%s\t%t\n", workers[i], exists)
					}
					return nil
				},
			},
			{
				Name:  "recover",
				Usage: "Fetch shares from the workers and recombine the secret",
				Flags: []cli.Flag{flagWorker, flagOwnerKey, flagNftID, flagSecretFile},
				Action: func(cCtx *cli.Context) error {
					vaults, err := ownerClients(cCtx)
					if err != nil {
						return err
					}
					shares, err := fetchShares(cCtx.Context, vaults, interfaces.ResourceId(cCtx.Uint(flagNftID.Name)))
					if err != nil {
						return err
					}
					secret, err := keyvault.CombineShares(shares)
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagSecretFile.Name), secret, 0600)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// fetchShares collects every share that is handed out. Workers refusing or
// missing the share are skipped; CombineShares decides whether enough remain.
func fetchShares(ctx context.Context, vaults []*clients.KeyVaultClient, id interfaces.ResourceId) ([]interfaces.Share, error) {
	var shares []interfaces.Share
	for _, vault := range vaults {
		share, err := vault.Get(ctx, id)
		if errors.Is(err, clients.ErrShareUnavailable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		shares = append(shares, *share)
	}
	if len(shares) == 0 {
		return nil, clients.ErrShareUnavailable
	}
	return shares, nil
}
