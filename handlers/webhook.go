// handlers/webhook.go
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"gem-duel-system/logger"
	"gem-duel-system/services"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// providerNetworks maps address-activity network names to the network keys
// used in config and on deposit rows.
var providerNetworks = map[string]string{
	"ETH_MAINNET":   "ethereum",
	"MATIC_MAINNET": "polygon",
	"BASE_MAINNET":  "base",
	"ARB_MAINNET":   "arbitrum",
	"ETH_SEPOLIA":   "sepolia",
}

type addressActivityPayload struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Event     struct {
		Network  string            `json:"network"`
		Activity []addressActivity `json:"activity"`
	} `json:"event"`
}

type addressActivity struct {
	FromAddress string           `json:"fromAddress"`
	ToAddress   string           `json:"toAddress"`
	BlockNum    string           `json:"blockNum"`
	Hash        string           `json:"hash"`
	Value       *decimal.Decimal `json:"value"`
	Asset       string           `json:"asset"`
	Category    string           `json:"category"`
}

// ParseAddressActivity turns a webhook body into transfers. Entries without
// a value or asset are dropped.
func ParseAddressActivity(body []byte) ([]services.ChainTransfer, error) {
	var p addressActivityPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	network, ok := providerNetworks[strings.ToUpper(p.Event.Network)]
	if !ok {
		network = strings.ToLower(p.Event.Network)
	}

	transfers := make([]services.ChainTransfer, 0, len(p.Event.Activity))
	for _, a := range p.Event.Activity {
		if a.Value == nil || a.Asset == "" || a.Hash == "" || a.ToAddress == "" {
			continue
		}
		t := services.ChainTransfer{
			TxHash:    a.Hash,
			Network:   network,
			Token:     a.Asset,
			ToAddress: a.ToAddress,
			Amount:    *a.Value,
		}
		if a.BlockNum != "" {
			if n, err := hexutil.DecodeUint64(a.BlockNum); err == nil {
				t.BlockNumber = &n
			}
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// validSignature checks the hex HMAC-SHA256 of the raw body.
func validSignature(body []byte, signature, key string) bool {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}

// SetupWebhookRoutes registers the chain event intake. Transfers to addresses
// we do not monitor are ignored.
func SetupWebhookRoutes(app *fiber.App, deposits *services.DepositReconciler, signingKey string) {
	app.Post("/webhooks/chain", func(c *fiber.Ctx) error {
		body := c.Body()
		if signingKey != "" && !validSignature(body, c.Get("X-Alchemy-Signature"), signingKey) {
			logger.Warn("[WEBHOOK] bad signature", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
		}

		transfers, err := ParseAddressActivity(body)
		if err != nil {
			return badRequest(c, "invalid payload")
		}

		recorded, duplicates, ignored := 0, 0, 0
		for _, t := range transfers {
			_, created, err := deposits.RecordTransfer(c.UserContext(), t)
			switch {
			case err == nil && created:
				recorded++
			case err == nil:
				duplicates++
			case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrValidation):
				ignored++
			default:
				logger.Error("[WEBHOOK] record transfer failed",
					zap.String("tx_hash", t.TxHash),
					zap.String("network", t.Network),
					zap.Error(err))
				return respondError(c, err)
			}
		}
		return c.JSON(fiber.Map{
			"recorded":   recorded,
			"duplicates": duplicates,
			"ignored":    ignored,
		})
	})
}
