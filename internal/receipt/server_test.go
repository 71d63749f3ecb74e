package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-splitter/internal/auth"
	"github.com/zombor/receipt-splitter/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		config      ServerConfig
		ghttpServer *ghttp.Server
		now         time.Time
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, config, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	uploadBody := func(filename string, data []byte) (*bytes.Buffer, string) {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return &b, writer.FormDataContentType()
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	BeforeEach(func() {
		now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		service = NewServiceWithDeps(db, scanner, storage, &mockIDGenerator{}, &mockTimeSource{now: now})
		config = ServerConfig{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleHealth", func() {
		It("reports ok", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			decode(resp, &body)
			Expect(body).To(Equal(map[string]string{"status": "ok"}))
		})
	})

	Describe("metrics", func() {
		It("exposes counters without authentication", func() {
			splitClaimsTotal.WithLabelValues(claimOutcome(nil)).Add(0)

			resp, err := http.Get(ghttpServer.URL() + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("receipt_split_claims_total"))
		})
	})

	Describe("corsMiddleware", func() {
		It("answers preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleUploadReceipt", func() {
		When("upload succeeds", func() {
			var resp *http.Response

			BeforeEach(func() {
				body, contentType := uploadBody("test.jpg", []byte("fake image data"))
				var err error
				resp, err = http.Post(ghttpServer.URL()+"/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return status Created with the receipt", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var receipt map[string]any
				decode(resp, &receipt)
				Expect(receipt["id"]).To(Equal("id-1"))
				Expect(receipt["owner_id"]).To(Equal("local"))
				Expect(receipt["split_state"]).To(Equal("unsplit"))
				Expect(receipt["items"]).To(HaveLen(2))
			})

			It("infers the content type from the file name", func() {
				resp.Body.Close()
				saved, err := db.GetReceipt(context.Background(), "id-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.ContentType).To(Equal("image/jpeg"))
			})
		})

		When("nothing usable is recognized", func() {
			BeforeEach(func() {
				scanner.receiptData = &scanning.ReceiptData{}
			})

			It("should return status Bad Request", func() {
				body, contentType := uploadBody("test.jpg", []byte("fake image data"))
				resp, err := http.Post(ghttpServer.URL()+"/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var errBody map[string]string
				decode(resp, &errBody)
				Expect(errBody["error"]).To(Equal("no usable receipt found"))
			})
		})

		When("the recognizer fails", func() {
			BeforeEach(func() {
				scanner.scanErr = io.ErrUnexpectedEOF
			})

			It("should return status Bad Request", func() {
				body, contentType := uploadBody("test.jpg", []byte("fake image data"))
				resp, err := http.Post(ghttpServer.URL()+"/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var errBody map[string]string
				decode(resp, &errBody)
				Expect(errBody["error"]).To(ContainSubstring("recognizing receipt"))
			})
		})

		When("the file is empty", func() {
			It("should return status Bad Request", func() {
				body, contentType := uploadBody("test.jpg", nil)
				resp, err := http.Post(ghttpServer.URL()+"/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(scanner.calls).To(BeZero())
			})
		})

		When("no file is provided", func() {
			It("should return status Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				Expect(writer.WriteField("note", "hello")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(ghttpServer.URL()+"/receipts", writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.createErr = io.ErrClosedPipe
			})

			It("should return status Internal Server Error without detail", func() {
				body, contentType := uploadBody("test.jpg", []byte("fake image data"))
				resp, err := http.Post(ghttpServer.URL()+"/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

				var errBody map[string]string
				decode(resp, &errBody)
				Expect(errBody["error"]).To(Equal("Internal server error"))
			})
		})
	})

	Describe("handleGetReceipt", func() {
		When("receipt exists", func() {
			BeforeEach(func() {
				storeReceipt(db, "r1", "local", now)
			})

			It("should return the receipt", func() {
				resp, err := http.Get(ghttpServer.URL() + "/receipts/r1")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var receipt map[string]any
				decode(resp, &receipt)
				Expect(receipt["id"]).To(Equal("r1"))
				Expect(receipt["unclaimed"]).To(Equal("2000"))
			})
		})

		When("receipt does not exist", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/receipts/missing")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

				var errBody map[string]string
				decode(resp, &errBody)
				Expect(errBody["error"]).To(Equal("Receipt not found"))
			})
		})
	})

	Describe("handleListReceipts", func() {
		BeforeEach(func() {
			storeReceipt(db, "old", "local", now.Add(-time.Hour))
			storeReceipt(db, "new", "local", now)
			storeReceipt(db, "theirs", "tg:7", now)
		})

		It("returns the caller's receipts newest first", func() {
			resp, err := http.Get(ghttpServer.URL() + "/receipts")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var receipts []map[string]any
			decode(resp, &receipts)
			Expect(receipts).To(HaveLen(2))
			Expect(receipts[0]["id"]).To(Equal("new"))
			Expect(receipts[1]["id"]).To(Equal("old"))
		})

		It("pages with limit and offset", func() {
			resp, err := http.Get(ghttpServer.URL() + "/receipts?limit=1&offset=1")
			Expect(err).NotTo(HaveOccurred())

			var receipts []map[string]any
			decode(resp, &receipts)
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0]["id"]).To(Equal("old"))
		})

		It("rejects a bad limit", func() {
			resp, err := http.Get(ghttpServer.URL() + "/receipts?limit=abc")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleSplitReceipt", func() {
		BeforeEach(func() {
			storeReceipt(db, "r1", "local", now)
		})

		When("claims are posted as JSON", func() {
			It("applies them and returns the settlement", func() {
				body := strings.NewReader(`[{"item_id":"r1-a","quantity":1},{"item_id":"r1-b","quantity":1}]`)
				resp, err := http.Post(ghttpServer.URL()+"/receipts/r1/split", "application/json", body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var result struct {
					Receipt struct {
						SplitState string `json:"split_state"`
					} `json:"receipt"`
					Outcomes   []outcomeView      `json:"outcomes"`
					Settlement []SettlementResult `json:"settlement"`
				}
				decode(resp, &result)
				Expect(result.Receipt.SplitState).To(Equal("partially_split"))
				Expect(result.Outcomes).To(HaveLen(2))
				Expect(result.Outcomes[0].Status).To(Equal("ok"))
				Expect(result.Settlement).To(HaveLen(1))
				Expect(result.Settlement[0].Participant).To(Equal("local"))
				Expect(result.Settlement[0].Amount.Equal(decimal.NewFromInt(1500))).To(BeTrue())
			})
		})

		When("claims are posted as a form", func() {
			It("uses field names as item IDs and skips blanks", func() {
				form := url.Values{"r1-a": {""}, "r1-b": {"2"}}
				resp, err := http.PostForm(ghttpServer.URL()+"/receipts/r1/split", form)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				saved, _ := db.GetReceipt(context.Background(), "r1")
				Expect(saved.Item("r1-a").Claimed()).To(BeZero())
				Expect(saved.Item("r1-b").ClaimOf("local")).To(Equal(2))
			})

			It("rejects a quantity that is not a number", func() {
				form := url.Values{"r1-b": {"two"}}
				resp, err := http.PostForm(ghttpServer.URL()+"/receipts/r1/split", form)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("an item is already taken", func() {
			BeforeEach(func() {
				db.splits["r1"] = map[string]Split{
					"r1-a/bob": {ItemID: "r1-a", Participant: "bob", Quantity: 1},
				}
			})

			It("reports the rejected claim", func() {
				body := strings.NewReader(`[{"item_id":"r1-a","quantity":1}]`)
				resp, err := http.Post(ghttpServer.URL()+"/receipts/r1/split", "application/json", body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var result splitResponse
				decode(resp, &result)
				Expect(result.Outcomes).To(HaveLen(1))
				Expect(result.Outcomes[0].Status).To(Equal("already_fully_allocated"))
				Expect(result.Outcomes[0].Error).NotTo(BeEmpty())
			})
		})

		When("no claims are sent", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/receipts/r1/split", "application/json", strings.NewReader(`[]`))
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the database rejects a claim another process got to first", func() {
			It("should return status Conflict", func() {
				db.saveSplitsErr = &AllocationError{ItemID: "r1-a", Product: "Pasta", Participant: "local", Requested: 1, Reason: ErrAlreadyFullyAllocated}
				body := strings.NewReader(`[{"item_id":"r1-a","quantity":1}]`)
				resp, err := http.Post(ghttpServer.URL()+"/receipts/r1/split", "application/json", body)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		When("the receipt does not exist", func() {
			It("should return status Not Found", func() {
				body := strings.NewReader(`[{"item_id":"x","quantity":1}]`)
				resp, err := http.Post(ghttpServer.URL()+"/receipts/missing/split", "application/json", body)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("handleShareReceipt", func() {
		BeforeEach(func() {
			storeReceipt(db, "r1", "local", now)
		})

		It("shares with a username posted as JSON", func() {
			body := strings.NewReader(`{"username":"@bob"}`)
			resp, err := http.Post(ghttpServer.URL()+"/receipts/r1/share", "application/json", body)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var share Share
			decode(resp, &share)
			Expect(share.Username).To(Equal("bob"))
			Expect(share.UserID).To(Equal("invited:bob"))
			Expect(share.SharedBy).To(Equal("local"))
		})

		It("shares with a username posted as a form", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			resp, err := http.PostForm(ghttpServer.URL()+"/receipts/r1/share", url.Values{"username": {"bob"}})
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			listResp, err := http.Get(ghttpServer.URL() + "/receipts/r1/shares")
			Expect(err).NotTo(HaveOccurred())
			Expect(listResp.StatusCode).To(Equal(http.StatusOK))
			var shares []Share
			decode(listResp, &shares)
			Expect(shares).To(HaveLen(1))
			Expect(shares[0].Username).To(Equal("bob"))
		})

		When("no username is given", func() {
			It("should return status Bad Request", func() {
				resp, err := http.PostForm(ghttpServer.URL()+"/receipts/r1/share", url.Values{})
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the receipt belongs to someone else", func() {
			BeforeEach(func() {
				storeReceipt(db, "r2", "tg:99", now)
			})

			It("should return status Forbidden", func() {
				resp, err := http.PostForm(ghttpServer.URL()+"/receipts/r2/share", url.Values{"username": {"bob"}})
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			})
		})

		When("the receipt does not exist", func() {
			It("should return status Not Found for shares", func() {
				resp, err := http.Get(ghttpServer.URL() + "/receipts/missing/shares")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("handleGetSettlement", func() {
		BeforeEach(func() {
			storeReceipt(db, "r1", "local", now)
			db.splits["r1"] = map[string]Split{
				"r1-b/bob": {ItemID: "r1-b", Participant: "bob", Quantity: 1},
			}
		})

		It("returns what each participant owes", func() {
			resp, err := http.Get(ghttpServer.URL() + "/receipts/r1/settlement")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var results []map[string]any
			decode(resp, &results)
			Expect(results).To(HaveLen(1))
			Expect(results[0]["participant_name"]).To(Equal("bob"))
			Expect(results[0]["amount_owed"]).To(Equal("500"))
		})
	})

	Describe("handleUpdateReceipt", func() {
		put := func(path, body string) *http.Response {
			req, err := http.NewRequest(http.MethodPut, ghttpServer.URL()+path, strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		When("the caller owns the receipt", func() {
			BeforeEach(func() {
				storeReceipt(db, "r1", "local", now)
			})

			It("applies the corrections", func() {
				resp := put("/receipts/r1", `{"store_name":"Luigi's","items":[{"id":"r1-b","price":"1200"}]}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var receipt map[string]any
				decode(resp, &receipt)
				Expect(receipt["store_name"]).To(Equal("Luigi's"))
			})

			It("rejects a quantity below one", func() {
				resp := put("/receipts/r1", `{"items":[{"id":"r1-b","quantity":0}]}`)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("another user owns the receipt", func() {
			BeforeEach(func() {
				storeReceipt(db, "r1", "tg:7", now)
			})

			It("should return status Forbidden", func() {
				resp := put("/receipts/r1", `{"store_name":"Mine now"}`)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			})
		})

		When("the quantity would drop below the claims", func() {
			BeforeEach(func() {
				storeReceipt(db, "r1", "local", now)
				db.splits["r1"] = map[string]Split{
					"r1-b/bob": {ItemID: "r1-b", Participant: "bob", Quantity: 2},
				}
			})

			It("should return status Conflict", func() {
				resp := put("/receipts/r1", `{"items":[{"id":"r1-b","quantity":1}]}`)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})
	})

	Describe("handleGetReceiptImage", func() {
		When("receipt and image exist", func() {
			BeforeEach(func() {
				receipt := storeReceipt(db, "r1", "local", now)
				receipt.ImagePath = "r1_test.png"
				receipt.ContentType = "image/png"
				db.put(receipt)
				storage.files["r1_test.png"] = []byte("png data")
			})

			It("returns the image", func() {
				resp, err := http.Get(ghttpServer.URL() + "/receipts/r1/image")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body).To(Equal([]byte("png data")))
			})
		})

		When("the image is missing from storage", func() {
			BeforeEach(func() {
				receipt := storeReceipt(db, "r1", "local", now)
				receipt.ImagePath = "r1_gone.png"
				db.put(receipt)
			})

			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/receipts/r1/image")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			config = ServerConfig{BasicAuth: BasicAuth{Username: "user", Password: "pass"}}
			setupServer()
			storeReceipt(db, "r1", "basic:user", now)
		})

		get := func(credentials string) *http.Response {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			if credentials != "" {
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		When("valid credentials are provided", func() {
			It("identifies the caller", func() {
				resp := get("user:pass")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var receipts []map[string]any
				decode(resp, &receipts)
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0]["id"]).To(Equal("r1"))
			})
		})

		When("invalid credentials are provided", func() {
			It("should return status Unauthorized", func() {
				resp := get("user:wrong")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})

		When("no authorization header is provided", func() {
			It("asks for credentials", func() {
				resp := get("")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			})
		})

		It("leaves the health check open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("telegram sessions", func() {
		var (
			authenticator *auth.TelegramAuthenticator
			sessions      *auth.SessionManager
			login         url.Values
		)

		BeforeEach(func() {
			authenticator = auth.NewTelegramAuthenticator("123456:bot-token", 0)
			sessions = auth.NewSessionManager("test-secret", time.Hour)
			config = ServerConfig{Sessions: sessions, Authenticator: authenticator}
			setupServer()

			data := auth.LoginData{"id": "42", "username": "alice", "auth_date": "1700000000"}
			login = url.Values{}
			for key, value := range data {
				login.Set(key, value)
			}
			login.Set("hash", authenticator.Sign(data))
		})

		When("the login data is authentic", func() {
			It("issues a session", func() {
				resp, err := http.PostForm(ghttpServer.URL()+"/auth/telegram", login)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Cookies()).To(ContainElement(HaveField("Name", auth.CookieName)))

				var body loginResponse
				decode(resp, &body)
				Expect(body.User.UserID).To(Equal("tg:42"))

				identity, err := sessions.Validate(body.Token)
				Expect(err).NotTo(HaveOccurred())
				Expect(identity.Username).To(Equal("alice"))
			})
		})

		When("the user logs in", func() {
			It("registers them once", func() {
				ghttpServer.AppendHandlers(server.ServeHTTP)
				for i := 0; i < 2; i++ {
					resp, err := http.PostForm(ghttpServer.URL()+"/auth/telegram", login)
					Expect(err).NotTo(HaveOccurred())
					resp.Body.Close()
					Expect(resp.StatusCode).To(Equal(http.StatusOK))
				}

				Expect(db.users).To(HaveLen(1))
				Expect(db.users["tg:42"].Username).To(Equal("alice"))
				Expect(db.users["tg:42"].CreatedAt).To(Equal(now))
			})

			It("fails when the user cannot be recorded", func() {
				db.saveUserErr = errors.New("database error")
				resp, err := http.PostForm(ghttpServer.URL()+"/auth/telegram", login)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})

		When("the login data was tampered with", func() {
			BeforeEach(func() {
				login.Set("username", "mallory")
			})

			It("should return status Unauthorized", func() {
				resp, err := http.PostForm(ghttpServer.URL()+"/auth/telegram", login)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})

		When("a session token is presented", func() {
			BeforeEach(func() {
				storeReceipt(db, "r1", "tg:42", now)
			})

			It("splits under the session user's name", func() {
				token, err := sessions.Issue(&auth.Identity{UserID: "tg:42", Username: "alice"})
				Expect(err).NotTo(HaveOccurred())

				req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/receipts/r1/split",
					strings.NewReader(`[{"item_id":"r1-a","quantity":1}]`))
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+token)
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				saved, _ := db.GetReceipt(context.Background(), "r1")
				Expect(saved.Item("r1-a").ClaimOf("alice")).To(Equal(1))
			})
		})

		When("no session is presented", func() {
			It("should return status Unauthorized", func() {
				resp, err := http.Get(ghttpServer.URL() + "/receipts")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(BeEmpty())
			})
		})
	})
})
