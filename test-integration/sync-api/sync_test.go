package integration

import (
	"net/http"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/test-integration/sync-api/helpers"
)

var _ = Describe("Sync API", Ordered, func() {
	var (
		server *helpers.ServerTestHelper
		north  string
		south  string
	)

	BeforeAll(func() {
		secret := []byte("integration-secret")

		dbCfg, err := testDB.DatabaseConfig(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		cfg := &config.Config{
			Database: dbCfg,
			Tenancy: &config.TenancyConfig{
				DefaultSchema: northTenant,
				JWT:           &config.JWTConfig{Secret: string(secret)},
			},
			Blob: &config.BlobConfig{
				Type:  config.BlobTypeLocal,
				Local: &config.LocalBlobConfig{Dir: GinkgoT().TempDir()},
			},
		}

		server = helpers.NewServerTestHelper(ctx, cfg, secret)
		Expect(server.StartServer()).To(Succeed())
		server.WaitForServerReady(30 * time.Second)

		north = server.Token(northTenant)
		south = server.Token(southTenant)
	})

	AfterAll(func() {
		Expect(server.StopServer()).To(Succeed())
	})

	It("rejects unsigned tokens", func() {
		var body map[string]any
		status := server.Get("not-a-jwt", "/sync/pull?table=lojas", &body)
		Expect(status).To(Equal(http.StatusUnauthorized))
	})

	It("returns pushed rows on the next pull of the same tenant only", func() {
		var push helpers.PushResult
		status := server.Post(north, "/sync/delta", helpers.Batch("lojas",
			helpers.Change("CREATE", "L1", map[string]any{"nome_loja": "Centro"}),
			helpers.Change("CREATE", "L2", map[string]any{"nome_loja": "Bairro"}),
		), &push)
		Expect(status).To(Equal(http.StatusOK))
		Expect(push.Success).To(BeTrue())
		Expect(push.ChangesApplied).To(Equal(2))

		var page helpers.PullPage
		Expect(server.Get(north, "/sync/pull?table=lojas", &page)).To(Equal(http.StatusOK))
		Expect(page.Schema).To(Equal(northTenant))
		Expect(page.Full).To(BeTrue())
		Expect(page.Items).To(HaveLen(2))

		var other helpers.PullPage
		Expect(server.Get(south, "/sync/pull/lojas", &other)).To(Equal(http.StatusOK))
		Expect(other.Schema).To(Equal(southTenant))
		Expect(other.Items).To(BeEmpty())
	})

	It("pages through a table with the cursor", func() {
		seen := map[string]bool{}
		path := "/sync/pull?table=lojas&limit=1"
		for range 5 {
			var page helpers.PullPage
			Expect(server.Get(north, path, &page)).To(Equal(http.StatusOK))
			for _, item := range page.Items {
				seen[item["id_loja"].(string)] = true
			}
			if !page.HasMore {
				break
			}
			Expect(page.NextCursor).NotTo(BeEmpty())
			path = "/sync/pull?table=lojas&limit=1&cursor=" + url.QueryEscape(page.NextCursor)
		}
		Expect(seen).To(HaveKey("L1"))
		Expect(seen).To(HaveKey("L2"))
	})

	It("reports deletions as tombstones", func() {
		since := time.Now().Add(-time.Second).UTC().Format(time.RFC3339Nano)

		var push helpers.PushResult
		Expect(server.Post(north, "/sync/delta", helpers.Batch("lojas",
			helpers.Change("DELETE", "L2", nil),
		), &push)).To(Equal(http.StatusOK))
		Expect(push.DeletedRecords).To(ConsistOf("L2"))

		var page helpers.PullPage
		Expect(server.Get(north, "/sync/pull?table=lojas&since="+url.QueryEscape(since), &page)).To(Equal(http.StatusOK))
		Expect(page.Full).To(BeFalse())
		Expect(page.Deleted).To(ContainElement(HaveField("RecordID", "L2")))
	})

	It("externalises inline photos", func() {
		photo := "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="

		var push helpers.PushResult
		Expect(server.Post(north, "/sync/delta", helpers.Batch("lojas",
			helpers.Change("UPDATE", "L1", map[string]any{"img_loja": photo}),
		), &push)).To(Equal(http.StatusOK))
		Expect(push.Success).To(BeTrue())

		var page helpers.PullPage
		Expect(server.Get(north, "/sync/pull?table=lojas", &page)).To(Equal(http.StatusOK))
		var stored any
		for _, item := range page.Items {
			if item["id_loja"] == "L1" {
				stored = item["img_loja"]
			}
		}
		Expect(stored).To(BeAssignableToTypeOf(""))
		Expect(stored).NotTo(HavePrefix("data:"))
	})

	It("serves the default rules when the tenant has none", func() {
		var list struct {
			Success bool             `json:"success"`
			Schema  string           `json:"schema"`
			Rules   []map[string]any `json:"rules"`
		}
		Expect(server.Get(south, "/api/rules/list", &list)).To(Equal(http.StatusOK))
		Expect(list.Success).To(BeTrue())
		Expect(list.Schema).To(Equal(southTenant))
		Expect(list.Rules).NotTo(BeEmpty())
	})

	It("rejects unknown tables", func() {
		var page helpers.PullPage
		Expect(server.Get(north, "/sync/pull?table=usuarios_secretos", &page)).To(Equal(http.StatusBadRequest))
		Expect(page.Success).To(BeFalse())
	})
})
