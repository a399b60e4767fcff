package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/cart"
	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/domain"
	"github.com/spec-kit/portal-client/internal/events"
	"github.com/spec-kit/portal-client/internal/observability"
	"github.com/spec-kit/portal-client/internal/session"
)

const usage = `usage: portal <command> [flags]

commands:
  register   create an account and sign in
  login      sign in (use -code for two-factor accounts)
  logout     sign out
  whoami     show the current identity and token expiry
  cart       manage the cart: add, remove, qty, coupon, uncoupon, show, clear
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	st, closeStore, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer closeStore()

	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.Subscribe(events.EventSessionExpired, func(_ context.Context, _ events.Event) error {
		fmt.Fprintln(os.Stderr, "session expired, please log in again")
		return nil
	})

	manager := session.NewManager(cfg.API, st, dispatcher, logger)
	engine := cart.NewEngine(cfg.Cart, st, dispatcher, logger)

	ctx := context.Background()
	if err := manager.Load(ctx); err != nil {
		logger.Warn("failed to restore session", zap.Error(err))
	}
	if err := engine.Load(ctx); err != nil {
		logger.Warn("failed to restore cart", zap.Error(err))
	}

	if err := run(ctx, os.Args[1], os.Args[2:], manager, engine); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, manager *session.Manager, engine *cart.Engine) error {
	switch command {
	case "register":
		return runRegister(ctx, args, manager)
	case "login":
		return runLogin(ctx, args, manager)
	case "logout":
		manager.Logout(ctx)
		fmt.Println("logged out")
		return nil
	case "whoami":
		return runWhoami(ctx, manager)
	case "cart":
		return runCart(ctx, args, engine)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runRegister(ctx context.Context, args []string, manager *session.Manager) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	_ = fs.Parse(args)

	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}
	if err := manager.Register(ctx, *email, *password, *first, *last); err != nil {
		return err
	}
	fmt.Printf("registered and signed in as %s\n", *email)
	return nil
}

func runLogin(ctx context.Context, args []string, manager *session.Manager) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	code := fs.String("code", "", "two-factor code, if enrolled")
	_ = fs.Parse(args)

	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}
	if err := manager.Login(ctx, *email, *password, *code); err != nil {
		return err
	}
	if required, pendingEmail := manager.Requires2FA(); required {
		fmt.Printf("two-factor code required for %s; retry with -code\n", pendingEmail)
		return nil
	}
	fmt.Printf("signed in as %s\n", *email)
	return nil
}

func runWhoami(ctx context.Context, manager *session.Manager) error {
	if !manager.IsAuthenticated() {
		fmt.Println("not signed in")
		return nil
	}
	if err := manager.FetchCurrentUser(ctx); err != nil {
		return err
	}
	user := manager.CurrentUser()
	if user == nil {
		fmt.Println("not signed in")
		return nil
	}

	fmt.Printf("%s %s <%s> role=%s 2fa=%t verified=%t\n",
		user.FirstName, user.LastName, user.Email, user.Role, user.TwoFactorEnabled, user.EmailVerified)
	if expiry, ok := manager.TokenExpiry(); ok {
		fmt.Printf("access token expires %s\n", expiry.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runCart(ctx context.Context, args []string, engine *cart.Engine) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: portal cart <add|remove|qty|coupon|uncoupon|show|clear>")
	}

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("cart add", flag.ExitOnError)
		productID := fs.String("product", "", "product id")
		planID := fs.String("plan", "", "plan id")
		productName := fs.String("product-name", "", "product display name")
		planName := fs.String("plan-name", "", "plan display name")
		price := fs.Float64("price", 0, "unit price for the billing cycle")
		cycle := fs.String("cycle", "monthly", "billing cycle")
		qty := fs.Int("qty", 1, "quantity")
		_ = fs.Parse(args[1:])

		item := engine.AddItem(ctx, domain.CartItem{
			ProductID:    *productID,
			PlanID:       *planID,
			ProductName:  *productName,
			PlanName:     *planName,
			Price:        *price,
			BillingCycle: *cycle,
			Quantity:     *qty,
		})
		fmt.Printf("added line %s\n", item.ID)
	case "remove":
		fs := flag.NewFlagSet("cart remove", flag.ExitOnError)
		id := fs.String("id", "", "line item id")
		_ = fs.Parse(args[1:])
		engine.RemoveItem(ctx, *id)
	case "qty":
		fs := flag.NewFlagSet("cart qty", flag.ExitOnError)
		id := fs.String("id", "", "line item id")
		n := fs.Int("n", 1, "new quantity")
		_ = fs.Parse(args[1:])
		engine.UpdateQuantity(ctx, *id, *n)
	case "coupon":
		fs := flag.NewFlagSet("cart coupon", flag.ExitOnError)
		code := fs.String("code", "", "coupon code")
		_ = fs.Parse(args[1:])
		if !engine.ApplyCoupon(ctx, *code) {
			fmt.Printf("coupon %q not recognized\n", *code)
			return nil
		}
	case "uncoupon":
		engine.RemoveCoupon(ctx)
	case "clear":
		engine.Clear(ctx)
	case "show":
	default:
		return fmt.Errorf("unknown cart subcommand %q", args[0])
	}

	printCart(engine.State())
	return nil
}

func printCart(state domain.CartState) {
	if len(state.Items) == 0 {
		fmt.Println("cart is empty")
	}
	for _, item := range state.Items {
		fmt.Printf("%s  %s / %s  %s x%d  %.2f\n",
			item.ID, item.ProductName, item.PlanName, item.BillingCycle, item.Quantity, item.Price)
	}
	fmt.Printf("subtotal %.2f\n", state.Subtotal)
	if state.CouponCode != "" {
		fmt.Printf("coupon %s  discount -%.2f\n", state.CouponCode, state.Discount)
	}
	fmt.Printf("tax %.2f\ntotal %.2f\n", state.Tax, state.Total)
}
