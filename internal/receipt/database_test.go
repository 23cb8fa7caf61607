package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-insights/internal/record"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	newRun := func(id string, createdAt time.Time) *Run {
		return &Run{
			ID:        id,
			SessionID: "session-1",
			Role:      RolePatient,
			Model:     "gpt-4",
			Filenames: []string{"a.jpg"},
			State:     StateParsed,
			Blocks:    []record.StoreBlock{{StoreName: "Walmart", Items: []string{"GV SHPSH"}}},
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		}
	}

	Describe("SaveRun", func() {
		It("stores the run", func() {
			Expect(db.SaveRun(newRun("run-1", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))).To(Succeed())

			run, err := db.GetRun("run-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Model).To(Equal("gpt-4"))
			Expect(run.Blocks).To(HaveLen(1))
			Expect(run.Blocks[0].Items).To(Equal([]string{"GV SHPSH"}))
		})

		It("replaces an existing run", func() {
			run := newRun("run-1", time.Now())
			Expect(db.SaveRun(run)).To(Succeed())
			run.State = StateSummaryReady
			run.Summary = "summary"
			Expect(db.SaveRun(run)).To(Succeed())

			stored, err := db.GetRun("run-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(StateSummaryReady))
			Expect(stored.Summary).To(Equal("summary"))
		})

		It("requires an ID", func() {
			Expect(db.SaveRun(newRun("", time.Now()))).To(MatchError(ContainSubstring("run id is required")))
		})
	})

	Describe("GetRun", func() {
		It("returns ErrRunNotFound for unknown IDs", func() {
			_, err := db.GetRun("missing")
			Expect(err).To(MatchError(ErrRunNotFound))
		})
	})

	Describe("ListRuns", func() {
		It("returns an empty list when there are no runs", func() {
			runs, err := db.ListRuns()
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(BeEmpty())
		})

		It("returns runs newest first", func() {
			base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
			Expect(db.SaveRun(newRun("old", base))).To(Succeed())
			Expect(db.SaveRun(newRun("new", base.Add(time.Hour)))).To(Succeed())

			runs, err := db.ListRuns()
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(2))
			Expect(runs[0].ID).To(Equal("new"))
			Expect(runs[1].ID).To(Equal("old"))
		})
	})

	Describe("persistence", func() {
		It("keeps runs across reopen", func() {
			Expect(db.SaveRun(newRun("run-1", time.Now()))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.GetRun("run-1")
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
