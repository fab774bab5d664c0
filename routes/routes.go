package routes

import (
	Controllers "github.com/addspin/meshca/controllers"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/crl"
	"github.com/addspin/meshca/datapack"
	"github.com/addspin/meshca/issue"
	"github.com/addspin/meshca/store"
	"github.com/gofiber/fiber/v3"
)

// Deps are the engine components the transport layer delegates to.
type Deps struct {
	Store   *store.Store
	CA      *ca.Manager
	Engine  *issue.Engine
	CRL     *crl.Service
	Builder *datapack.Builder
}

func Setup(app *fiber.App, d Deps) {
	api := app.Group("/api/v1")

	api.Post("/certificates", Controllers.IssueCert(d.Engine, d.Builder))
	api.Get("/certificates/:serial", Controllers.CertInfo(d.Engine, d.CA))
	api.Post("/revoke", Controllers.RevokeCert(d.CRL, d.CA))
	api.Get("/crl/:issuer", Controllers.GetCRL(d.CRL))
	api.Get("/data-package/:serial", Controllers.TakeDataPackage(d.Builder, d.Store, d.CA))
}
