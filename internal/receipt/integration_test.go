package receipt_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-insights/internal/llm"
	"github.com/zombor/receipt-insights/internal/prompts"
	"github.com/zombor/receipt-insights/internal/receipt"
)

// FakeScanner returns fixed OCR text for every image
type FakeScanner struct {
	text string
}

func (f *FakeScanner) ExtractText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	return f.text, nil
}

func (f *FakeScanner) Close() error {
	return nil
}

func ollamaReply(content string) http.HandlerFunc {
	return ghttp.CombineHandlers(
		ghttp.VerifyRequest("POST", "/api/chat"),
		ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		}),
	)
}

var _ = Describe("Integration", func() {
	var (
		tempDir  string
		db       *receipt.BoltDB
		store    *receipt.LocalStorage
		ollama   *ghttp.Server
		ghServer *ghttp.Server
		err      error
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()

		db, err = receipt.NewBoltDB(filepath.Join(tempDir, "runs.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = receipt.NewLocalStorage(filepath.Join(tempDir, "output"), receipt.ModeTest)
		Expect(err).NotTo(HaveOccurred())

		ollama = ghttp.NewServer()
		ollama.AppendHandlers(
			ollamaReply("Store Name: Walmart\n| Raw Item | Expansion |\n|---|---|\n| GV SHPSH | Great Value Sharp Shredded Cheese |\n"),
			ollamaReply("You mostly bought cheese."),
			ollamaReply("Add some vegetables."),
		)

		models := llm.NewSelector()
		models.Register(llm.NewOllama(ollama.URL()), "llama3")

		promptSet, err := prompts.Load("")
		Expect(err).NotTo(HaveOccurred())

		service := receipt.NewService(&FakeScanner{text: "WALMART\nGV SHPSH 2.98"}, models, promptSet, store, db, receipt.RoleGate{ProviderPassword: "secret"})
		server := receipt.NewServer(service, receipt.BasicAuth{})

		ghServer = ghttp.NewServer()
		ghServer.RouteToHandler("GET", regexp.MustCompile(".*"), server.Handler().ServeHTTP)
		ghServer.RouteToHandler("POST", regexp.MustCompile(".*"), server.Handler().ServeHTTP)
	})

	AfterEach(func() {
		ghServer.Close()
		ollama.Close()
		db.Close()
	})

	postJSON := func(path string, body any, out any) int {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ghServer.URL()+path, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(raw, out)).To(Succeed(), string(raw))
		return resp.StatusCode
	}

	It("should take receipts from upload to guidance", func() {
		var session receipt.SessionView
		Expect(postJSON("/api/sessions", map[string]string{"role": "provider", "password": "secret"}, &session)).To(Equal(http.StatusCreated))
		Expect(session.Model).To(Equal("llama3"))

		// Upload
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("files", "receipt.pdf")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("%PDF-1.4 fake pdf content"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/sessions/"+session.ID+"/uploads", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		// Pipeline
		Expect(postJSON("/api/sessions/"+session.ID+"/analyze", nil, &session)).To(Equal(http.StatusOK))
		Expect(session.Blocks).To(HaveLen(1))
		Expect(session.Blocks[0].StoreName).To(Equal("Walmart"))
		Expect(session.Blocks[0].Items).To(Equal([]string{"GV SHPSH"}))
		Expect(session.Uploads[0].ContentType).To(Equal("application/pdf"))

		Expect(postJSON("/api/sessions/"+session.ID+"/summary", nil, &session)).To(Equal(http.StatusOK))
		Expect(session.Summary).To(Equal("You mostly bought cheese."))

		Expect(postJSON("/api/sessions/"+session.ID+"/guidance", nil, &session)).To(Equal(http.StatusOK))
		Expect(session.State).To(Equal(receipt.StateGuidanceReady))
		Expect(ollama.ReceivedRequests()).To(HaveLen(3))

		// Artifacts
		sessionDir := filepath.Join(store.BasePath(), session.ID)
		Expect(filepath.Join(sessionDir, receipt.StatusFile)).To(BeAnExistingFile())
		Expect(filepath.Join(sessionDir, receipt.RecordsFile)).To(BeAnExistingFile())
		narrative, err := os.ReadFile(filepath.Join(sessionDir, receipt.NarrativeFile))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(narrative)).To(Equal("Add some vegetables."))

		// Run history survives in bbolt
		run, err := db.GetRun(session.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Role).To(Equal(receipt.RoleProvider))
		Expect(run.Filenames).To(Equal([]string{"receipt.pdf"}))
		Expect(run.Guidance).To(Equal("Add some vegetables."))
	})
})
