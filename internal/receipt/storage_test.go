package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		mode    Mode
		storage *LocalStorage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		mode = ModeTest
	})

	JustBeforeEach(func() {
		var err error
		storage, err = NewLocalStorage(tmpDir, mode)
		Expect(err).NotTo(HaveOccurred())
	})

	It("roots artifacts under the mode directory", func() {
		Expect(storage.BasePath()).To(Equal(filepath.Join(tmpDir, "test")))
		Expect(storage.BasePath()).To(BeADirectory())
	})

	When("running live", func() {
		BeforeEach(func() {
			mode = ModeLive
		})

		It("uses the live directory", func() {
			Expect(storage.BasePath()).To(Equal(filepath.Join(tmpDir, "live")))
		})
	})

	Describe("Save", func() {
		var (
			sessionID string
			name      string
			data      []byte
			savedPath string
			err       error
		)

		BeforeEach(func() {
			sessionID = "session-1"
			name = StatusFile
			data = []byte(`{"alive":true}`)
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(sessionID, name, data)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should write into the session directory", func() {
				Expect(savedPath).To(Equal(filepath.Join(tmpDir, "test", "session-1", StatusFile)))
				Expect(savedPath).To(BeAnExistingFile())
			})

			It("should replace an earlier version", func() {
				_, err = storage.Save(sessionID, name, []byte("second"))
				Expect(err).NotTo(HaveOccurred())
				content, readErr := os.ReadFile(savedPath)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(string(content)).To(Equal("second"))
			})
		})

		When("the artifact name escapes the session directory", func() {
			BeforeEach(func() {
				name = "../escape.json"
			})

			It("should return an error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid artifact name")))
			})
		})

		When("the session ID is a path", func() {
			BeforeEach(func() {
				sessionID = "../other"
			})

			It("should return an error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid session id")))
			})
		})
	})
})

var _ = Describe("ParseMode", func() {
	It("accepts live and test", func() {
		Expect(ParseMode("live")).To(Equal(ModeLive))
		Expect(ParseMode("test")).To(Equal(ModeTest))
	})

	It("rejects anything else", func() {
		_, err := ParseMode("staging")
		Expect(err).To(MatchError(ContainSubstring("invalid mode")))
	})
})
