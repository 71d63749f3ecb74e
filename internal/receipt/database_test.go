package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
		ctx    context.Context
		now    time.Time
	)

	newTestReceipt := func(id, ownerID string, createdAt time.Time) *Receipt {
		receipt := NewReceipt(id, "Trattoria", "2 Via Roma", "2024-01-15", "20:15", []*Item{
			NewItem(id+"-pasta", "Pasta", 1, decimal.NewFromInt(1000), createdAt),
			NewItem(id+"-wine", "Wine", 2, decimal.NewFromInt(1000), createdAt),
			NewItem(id+"-bread", "Bread", 3, decimal.RequireFromString("4.50"), createdAt),
		}, decimal.RequireFromString("2004.50"), decimal.NewFromInt(200), decimal.RequireFromString("2204.50"), createdAt)
		Expect(receipt.SetOwner(ownerID)).To(Succeed())
		return receipt
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
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

	Describe("CreateReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = newTestReceipt("r1", "tg:42", now)
		})

		JustBeforeEach(func() {
			err = db.CreateReceipt(ctx, receipt)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("stores the header and items", func() {
				saved, getErr := db.GetReceipt(ctx, "r1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.StoreName).To(Equal("Trattoria"))
				Expect(saved.OwnerID).To(Equal("tg:42"))
				Expect(saved.Total.Equal(receipt.Total)).To(BeTrue())
				Expect(saved.Items).To(HaveLen(3))
				Expect(saved.Items[2].Price.String()).To(Equal("4.5"))
				Expect(saved.Items[0].Splits).To(BeEmpty())
			})
		})

		When("the receipt already carries claims", func() {
			BeforeEach(func() {
				Expect(receipt.Item("r1-wine").Split(Choice{ItemID: "r1-wine", Participant: "alice", Quantity: 1})).To(Succeed())
			})

			It("stores them in the ledger", func() {
				splits, listErr := db.ListSplits(ctx, "r1")
				Expect(listErr).NotTo(HaveOccurred())
				Expect(splits).To(HaveLen(1))
				Expect(splits[0].Participant).To(Equal("alice"))
			})
		})

		When("the receipt has no owner", func() {
			BeforeEach(func() {
				receipt.OwnerID = ""
			})

			It("stores it without indexing it", func() {
				Expect(err).NotTo(HaveOccurred())
				_, getErr := db.GetReceipt(ctx, "r1")
				Expect(getErr).NotTo(HaveOccurred())
			})
		})
	})

	Describe("GetReceipt", func() {
		When("receipt does not exist", func() {
			It("returns ErrNotFound", func() {
				_, err := db.GetReceipt(ctx, "nonexistent")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("UpdateReceipt", func() {
		When("receipt exists", func() {
			It("overwrites the header and items and keeps the claims", func() {
				receipt := newTestReceipt("r1", "tg:42", now)
				Expect(db.CreateReceipt(ctx, receipt)).To(Succeed())
				Expect(db.SaveSplits(ctx, "r1", []Split{{ReceiptID: "r1", ItemID: "r1-wine", Participant: "bob", Quantity: 1}})).To(Succeed())

				receipt.StoreName = "Osteria"
				receipt.Item("r1-bread").Quantity = 4
				Expect(db.UpdateReceipt(ctx, receipt)).To(Succeed())

				saved, err := db.GetReceipt(ctx, "r1")
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.StoreName).To(Equal("Osteria"))
				Expect(saved.Item("r1-bread").Quantity).To(Equal(4))
				Expect(saved.Item("r1-wine").ClaimOf("bob")).To(Equal(1))
			})
		})

		When("receipt does not exist", func() {
			It("returns ErrNotFound", func() {
				err := db.UpdateReceipt(ctx, newTestReceipt("ghost", "tg:42", now))
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ListReceipts", func() {
		BeforeEach(func() {
			Expect(db.CreateReceipt(ctx, newTestReceipt("first", "tg:42", now.Add(-2*time.Hour)))).To(Succeed())
			Expect(db.CreateReceipt(ctx, newTestReceipt("third", "tg:42", now))).To(Succeed())
			Expect(db.CreateReceipt(ctx, newTestReceipt("second", "tg:42", now.Add(-time.Hour)))).To(Succeed())
			Expect(db.CreateReceipt(ctx, newTestReceipt("other", "tg:7", now))).To(Succeed())
		})

		ids := func(receipts []*Receipt) []string {
			out := make([]string, 0, len(receipts))
			for _, r := range receipts {
				out = append(out, r.ID)
			}
			return out
		}

		It("returns the owner's receipts newest first", func() {
			receipts, err := db.ListReceipts(ctx, "tg:42", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(receipts)).To(Equal([]string{"third", "second", "first"}))
		})

		It("applies limit and offset", func() {
			receipts, err := db.ListReceipts(ctx, "tg:42", 1, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(receipts)).To(Equal([]string{"second"}))
		})

		It("returns nothing past the end", func() {
			receipts, err := db.ListReceipts(ctx, "tg:42", 10, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())
		})

		It("returns nothing for an unknown owner", func() {
			receipts, err := db.ListReceipts(ctx, "tg:1", 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())
		})
	})

	Describe("SaveSplits", func() {
		BeforeEach(func() {
			Expect(db.CreateReceipt(ctx, newTestReceipt("r1", "tg:42", now))).To(Succeed())
		})

		It("replaces a participant's earlier claim on an item", func() {
			Expect(db.SaveSplits(ctx, "r1", []Split{{ItemID: "r1-wine", Participant: "alice", Quantity: 2, CreatedAt: now}})).To(Succeed())
			Expect(db.SaveSplits(ctx, "r1", []Split{{ItemID: "r1-wine", Participant: "alice", Quantity: 1, CreatedAt: now.Add(time.Minute)}})).To(Succeed())

			splits, err := db.ListSplits(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(splits).To(HaveLen(1))
			Expect(splits[0].Quantity).To(Equal(1))
		})

		It("lists claims oldest first", func() {
			Expect(db.SaveSplits(ctx, "r1", []Split{
				{ItemID: "r1-wine", Participant: "zoe", Quantity: 1, CreatedAt: now},
				{ItemID: "r1-pasta", Participant: "adam", Quantity: 1, CreatedAt: now.Add(time.Second)},
			})).To(Succeed())

			splits, err := db.ListSplits(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(splits[0].Participant).To(Equal("zoe"))
			Expect(splits[1].Participant).To(Equal("adam"))
		})

		It("returns ErrNotFound for an unknown receipt", func() {
			err := db.SaveSplits(ctx, "ghost", []Split{{ItemID: "x", Participant: "alice", Quantity: 1}})
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("users", func() {
		It("keeps the first registration of an ID", func() {
			first, err := db.SaveUser(ctx, &User{ID: "tg:7", Username: "bob", CreatedAt: now})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Username).To(Equal("bob"))

			again, err := db.SaveUser(ctx, &User{ID: "tg:7", Username: "bobby", CreatedAt: now.Add(time.Hour)})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Username).To(Equal("bob"))
			Expect(again.CreatedAt).To(Equal(now))
		})

		It("finds the newest user with a username", func() {
			_, err := db.SaveUser(ctx, &User{ID: "invited:bob", Username: "bob", CreatedAt: now})
			Expect(err).NotTo(HaveOccurred())
			_, err = db.SaveUser(ctx, &User{ID: "tg:7", Username: "bob", CreatedAt: now.Add(time.Hour)})
			Expect(err).NotTo(HaveOccurred())

			user, err := db.GetUserByUsername(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.ID).To(Equal("tg:7"))
		})

		It("returns ErrNotFound for an unknown username", func() {
			_, err := db.GetUserByUsername(ctx, "nobody")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("shares", func() {
		BeforeEach(func() {
			Expect(db.CreateReceipt(ctx, newTestReceipt("r1", "tg:42", now))).To(Succeed())
		})

		It("keeps the first share with a user and lists oldest first", func() {
			_, err := db.SaveShare(ctx, Share{ReceiptID: "r1", UserID: "tg:9", Username: "zoe", SharedBy: "tg:42", CreatedAt: now.Add(time.Minute)})
			Expect(err).NotTo(HaveOccurred())
			_, err = db.SaveShare(ctx, Share{ReceiptID: "r1", UserID: "tg:7", Username: "bob", SharedBy: "tg:42", CreatedAt: now.Add(2 * time.Minute)})
			Expect(err).NotTo(HaveOccurred())

			again, err := db.SaveShare(ctx, Share{ReceiptID: "r1", UserID: "tg:9", Username: "zoe", SharedBy: "tg:42", CreatedAt: now.Add(time.Hour)})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.CreatedAt).To(Equal(now.Add(time.Minute)))

			shares, err := db.ListShares(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(shares).To(HaveLen(2))
			Expect(shares[0].Username).To(Equal("zoe"))
			Expect(shares[1].Username).To(Equal("bob"))
		})

		It("returns nothing for a receipt that was never shared", func() {
			Expect(db.ListShares(ctx, "r1")).To(BeEmpty())
		})

		It("returns ErrNotFound for an unknown receipt", func() {
			_, err := db.SaveShare(ctx, Share{ReceiptID: "ghost", UserID: "tg:7", CreatedAt: now})
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("round trip", func() {
		It("settles a reloaded receipt exactly as before it was stored", func() {
			receipt := newTestReceipt("r1", "tg:42", now)
			Expect(db.CreateReceipt(ctx, receipt)).To(Succeed())

			outcomes := receipt.ApplySplits([]Choice{
				{ItemID: "r1-pasta", Participant: "alice", Quantity: 1},
				{ItemID: "r1-wine", Participant: "alice", Quantity: 1},
				{ItemID: "r1-wine", Participant: "bob", Quantity: 1},
				{ItemID: "r1-bread", Participant: "bob", Quantity: 2},
				{ItemID: "r1-bread", Participant: "carol", Quantity: 1},
				{ItemID: "r1-bread", Participant: "alice", Quantity: 1},
			})
			Expect(outcomes.Failed()).To(HaveLen(1))
			Expect(db.SaveSplits(ctx, "r1", outcomes.Splits())).To(Succeed())

			reloaded, err := db.GetReceipt(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(settlementKeys(reloaded.SettlementResults())).To(ConsistOf(settlementKeys(receipt.SettlementResults())))
		})

		It("keeps settlement order after a participant resubmits a claim", func() {
			receipt := newTestReceipt("r1", "tg:42", now)
			Expect(db.CreateReceipt(ctx, receipt)).To(Succeed())

			claim := func(participant string, at time.Time) {
				outcomes := receipt.ApplySplits([]Choice{{ItemID: "r1-wine", Participant: participant, Quantity: 1, CreatedAt: at}})
				Expect(outcomes.Failed()).To(BeEmpty())
				Expect(db.SaveSplits(ctx, "r1", outcomes.Splits())).To(Succeed())
			}
			claim("alice", now)
			claim("bob", now.Add(time.Minute))
			claim("alice", now.Add(time.Hour))

			reloaded, err := db.GetReceipt(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(settlementKeys(reloaded.SettlementResults())).To(Equal(settlementKeys(receipt.SettlementResults())))
			Expect(reloaded.SettlementResults()[0].Participant).To(Equal("alice"))
		})
	})

	Describe("persistence", func() {
		It("keeps data across reopen", func() {
			Expect(db.CreateReceipt(ctx, newTestReceipt("r1", "tg:42", now))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())

			receipts, err := db.ListReceipts(ctx, "tg:42", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
		})
	})
})
