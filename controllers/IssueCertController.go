package controllers

import (
	"github.com/addspin/meshca/datapack"
	"github.com/addspin/meshca/issue"
	"github.com/gofiber/fiber/v3"
)

type issueRequest struct {
	Owner        string `json:"owner"`
	Subject      string `json:"subject"`
	ValidityDays int    `json:"validity_days"`
}

// IssueCert handles POST /api/v1/certificates: issues a client identity
// and packages it in one pass. The private key is returned exactly once,
// inside the data package.
func IssueCert(engine *issue.Engine, builder *datapack.Builder) fiber.Handler {
	return func(c fiber.Ctx) error {
		data := new(issueRequest)
		if err := c.Bind().JSON(data); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  "error",
				"message": "Cannot parse JSON",
			})
		}

		result, err := engine.Issue(c.Context(), data.Owner, data.Subject, data.ValidityDays)
		if err != nil {
			return errorJSON(c, err)
		}

		pkg, err := builder.Build(c.Context(), result.Certificate.IssuerId, result.Certificate.Serial)
		if err != nil {
			return errorJSON(c, err)
		}

		resp := fiber.Map{
			"status":      "ok",
			"serial":      result.Certificate.Serial,
			"issuer_id":   result.Certificate.IssuerId,
			"fingerprint": result.Certificate.Fingerprint,
			"not_after":   result.Certificate.NotAfter,
			"package_id":  pkg.Id,
		}
		if result.Clamped {
			resp["warning"] = result.Warning
		}
		return c.Status(fiber.StatusCreated).JSON(resp)
	}
}
