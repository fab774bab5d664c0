package controllers

import (
	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/crl"
	"github.com/gofiber/fiber/v3"
)

type revokeRequest struct {
	IssuerId string `json:"issuer_id"`
	Serial   int64  `json:"serial"`
	Reason   string `json:"reason"`
}

// RevokeCert handles POST /api/v1/revoke. The issuer defaults to the
// current signing CA when omitted.
func RevokeCert(service *crl.Service, caman *ca.Manager) fiber.Handler {
	return func(c fiber.Ctx) error {
		data := new(revokeRequest)
		if err := c.Bind().JSON(data); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  "error",
				"message": "Cannot parse JSON",
			})
		}
		if data.Serial == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  "error",
				"message": "serial is required",
			})
		}

		issuerID := data.IssuerId
		if issuerID == "" {
			signing, err := caman.SigningCA(c.Context())
			if err != nil {
				return errorJSON(c, err)
			}
			issuerID = signing.Id
		}

		entry, err := service.Revoke(c.Context(), issuerID, data.Serial, data.Reason)
		if err != nil {
			return errorJSON(c, err)
		}

		return c.JSON(fiber.Map{
			"status":     "ok",
			"serial":     entry.Serial,
			"issuer_id":  entry.IssuerId,
			"revoked_at": entry.RevokedAt,
			"reason":     entry.Reason,
		})
	}
}
