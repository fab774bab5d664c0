package controllers

import (
	"strconv"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/issue"
	"github.com/gofiber/fiber/v3"
)

// CertInfo handles GET /api/v1/certificates/:serial, the cached lookup of
// issued certificate metadata. The issuer defaults to the current signing
// CA when omitted.
func CertInfo(engine *issue.Engine, caman *ca.Manager) fiber.Handler {
	return func(c fiber.Ctx) error {
		serial, err := strconv.ParseInt(c.Params("serial"), 10, 64)
		if err != nil || serial <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  "error",
				"message": "invalid serial",
			})
		}

		issuerID := c.Query("issuer_id")
		if issuerID == "" {
			signing, err := caman.SigningCA(c.Context())
			if err != nil {
				return errorJSON(c, err)
			}
			issuerID = signing.Id
		}

		cert, err := engine.Certificate(c.Context(), issuerID, serial)
		if err != nil {
			return errorJSON(c, err)
		}

		return c.JSON(fiber.Map{
			"status":      "ok",
			"certificate": cert,
		})
	}
}
